// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/config"
	"github.com/xkilldash9x/subscout/internal/observability"
	"github.com/xkilldash9x/subscout/internal/result"
	"github.com/xkilldash9x/subscout/internal/service"
)

// passwordEnv lets scripts avoid putting the password on the command line.
const passwordEnv = config.EnvPrefix + "_PASSWORD"

// actionRunner is the part of service.Service the run command needs.
type actionRunner interface {
	RunAction(ctx context.Context, provider string, action schemas.ActionName, creds *schemas.Credentials, opts ...service.Option) result.Result[schemas.ActionReturn]
}

// startRunner builds the action service. Tests replace it.
var startRunner = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (actionRunner, func(), error) {
	components, err := service.NewComponents(ctx, cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return components.Service, func() { components.Shutdown(context.Background()) }, nil
}

func newRunCmd() *cobra.Command {
	var (
		email    string
		password string
		quiet    bool
	)
	runCmd := &cobra.Command{
		Use:   "run <provider> <action>",
		Short: "Runs one action (connect, cancel, resume, register) against a provider",
		Long: `Runs one action against a provider and prints the resulting subscriptions as JSON.

When --email is omitted the login stored by a previous connect is used, and
a stored session is tried first. Verification codes are asked on the terminal.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			action, err := schemas.ParseActionName(args[1])
			if err != nil {
				return err
			}

			var creds *schemas.Credentials
			if email != "" {
				if password == "" {
					password = os.Getenv(passwordEnv)
				}
				creds = &schemas.Credentials{Email: email, Password: password}
			}

			logger := observability.GetLogger().With(zap.String("provider", args[0]), zap.String("action", string(action)))
			runner, shutdown, err := startRunner(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer shutdown()

			opts := []service.Option{
				service.WithPrompter(newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())),
				service.WithLogger(logger),
			}
			if !quiet {
				opts = append(opts, service.WithReporter(&terminalReporter{out: cmd.ErrOrStderr()}))
			}

			res := runner.RunAction(ctx, args[0], action, creds, opts...)
			if res.IsErr() {
				return printActionError(cmd.ErrOrStderr(), res.Error())
			}

			data := res.Value().Data
			if data == nil {
				data = schemas.Subscriptions{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		},
	}

	runCmd.Flags().StringVarP(&email, "email", "e", "", "login email; the stored login is used when empty")
	runCmd.Flags().StringVarP(&password, "password", "p", "", "login password (or "+passwordEnv+")")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress messages")
	return runCmd
}

// printActionError writes the user facing error body and returns err for the exit code.
func printActionError(w io.Writer, err error) error {
	ae, ok := schemas.AsActionError(err)
	if !ok {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(ae.Body()); encErr != nil {
		return errors.Join(err, encErr)
	}
	return err
}

// terminalPrompter asks for input on a terminal. An empty line takes the
// default value, or dismisses the prompt when there is none. EOF dismisses.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompter) Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error) {
	fmt.Fprintf(p.out, "\n%s\n", req.Title)
	if req.Text != "" {
		fmt.Fprintln(p.out, req.Text)
	}
	if req.DefaultValue != "" {
		fmt.Fprintf(p.out, "[%s] ", req.DefaultValue)
	}
	fmt.Fprint(p.out, "> ")

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := p.in.ReadString('\n')
		ch <- line{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l := <-ch:
		text := strings.TrimSpace(l.text)
		if l.err != nil && !errors.Is(l.err, io.EOF) {
			return nil, fmt.Errorf("read answer: %w", l.err)
		}
		if text == "" {
			if req.DefaultValue == "" {
				return nil, nil
			}
			text = req.DefaultValue
		}
		return &text, nil
	}
}

// terminalReporter prints progress text on one line per update.
type terminalReporter struct {
	out io.Writer
}

func (r *terminalReporter) Status(text string)  { fmt.Fprintf(r.out, "* %s\n", text) }
func (r *terminalReporter) Loading(text string) { fmt.Fprintf(r.out, "... %s\n", text) }
