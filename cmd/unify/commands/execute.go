package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openunify/openunify/pkg/engine"
	"github.com/openunify/openunify/pkg/unified"
	"github.com/spf13/cobra"
)

// callFlags select a model definition and the credential to call it with.
type callFlags struct {
	definitionID    string
	platform        string
	platformVersion string
	model           string
	action          string

	secretRef string
	secret    string

	pathParams  map[string]string
	queryParams map[string]string
	headers     map[string]string
	body        string
}

func (f *callFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.definitionID, "id", "", "model definition id")
	flags.StringVar(&f.platform, "platform", "", "connection platform")
	flags.StringVar(&f.platformVersion, "platform-version", "", "platform version")
	flags.StringVar(&f.model, "model", "", "model name")
	flags.StringVar(&f.action, "action", "", "action name")
	flags.StringVar(&f.secretRef, "secret-ref", "", "reference of a stored OAuth credential")
	flags.StringVar(&f.secret, "secret", "", "inline secret as a JSON object, or @file")
	flags.StringToStringVar(&f.pathParams, "path", nil, "path parameters (key=value)")
	flags.StringToStringVar(&f.queryParams, "query", nil, "query parameters (key=value)")
	flags.StringToStringVar(&f.headers, "header", nil, "request headers (key=value)")
	flags.StringVar(&f.body, "body", "", "JSON request body, or @file")
}

func (f *callFlags) call() (engine.Call, error) {
	call := engine.Call{
		DefinitionID:    f.definitionID,
		Platform:        f.platform,
		PlatformVersion: f.platformVersion,
		ModelName:       f.model,
		ActionName:      f.action,
		SecretRef:       f.secretRef,
		Request: &unified.Request{
			PathParams:  f.pathParams,
			QueryParams: f.queryParams,
			Headers:     f.headers,
		},
	}
	if call.DefinitionID == "" && (call.Platform == "" || call.ModelName == "" || call.ActionName == "") {
		return call, fmt.Errorf("either --id or --platform, --model and --action are required")
	}
	if f.secretRef != "" && f.secret != "" {
		return call, fmt.Errorf("--secret-ref and --secret are mutually exclusive")
	}

	if f.secret != "" {
		data, err := readArg(f.secret)
		if err != nil {
			return call, err
		}
		if err := json.Unmarshal(data, &call.Secret); err != nil {
			return call, fmt.Errorf("secret must be a JSON object: %w", err)
		}
	}
	if f.body != "" {
		data, err := readArg(f.body)
		if err != nil {
			return call, err
		}
		if !json.Valid(data) {
			return call, fmt.Errorf("body is not valid JSON")
		}
		call.Request.Body = data
	}
	return call, nil
}

// readArg returns v, or the contents of the file it names when prefixed
// with @.
func readArg(v string) ([]byte, error) {
	if path, ok := strings.CutPrefix(v, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	}
	return []byte(v), nil
}

func newExecuteCommand() *cobra.Command {
	var (
		flags  callFlags
		expand bool
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a model definition against its platform",
		Long: `Renders the model definition's request, sends it to the platform and maps
the response into entities.

Examples:
  unify execute --platform hubspot --model contacts --action getMany --secret-ref sec_123
  unify execute --id cmd_abc --secret '{"apiKey":"k"}' --path id=42 --expand`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			call, err := flags.call()
			if err != nil {
				return err
			}
			call.Expand = expand

			a, err := openApp(cmd.Context(), call.SecretRef != "")
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orch.Execute(cmd.Context(), call)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %d\n", result.Response.StatusCode)
			fmt.Fprintf(out, "Entities: %d\n", len(result.Response.Entities))
			if result.Response.Cursor != nil {
				fmt.Fprintf(out, "Next cursor: %s\n", *result.Response.Cursor)
			}
			for _, e := range result.Response.Entities {
				fmt.Fprintln(out, string(e.Data))
			}
			if result.Model != nil {
				fmt.Fprintf(out, "Model: %s (%d fields)\n", result.Model.Name, len(result.Model.Fields))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&expand, "expand", false, "also resolve the definition's expanded common model")
	return cmd
}

func newTestCommand() *cobra.Command {
	var flags callFlags

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test a connection through one of its model definitions",
		Long: `Executes the model definition once and records the outcome as the
definition's test status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			call, err := flags.call()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), call.SecretRef != "")
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orch.TestConnection(cmd.Context(), call)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}

			state := result.Status.State
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s %s: %s (%dms)\n",
				result.Meta.Platform, result.Meta.ModelName, result.Meta.Action,
				result.Meta.PlatformVersion, state.Kind, result.Meta.LatencyMs)
			if state.Message != "" {
				fmt.Fprintln(cmd.OutOrStdout(), state.Message)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
