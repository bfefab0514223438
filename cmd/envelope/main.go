// Package main provides the envelope CLI for working with wire envelopes
// from shell scripts and test harnesses.
//
// Every command reads JSON from stdin and writes JSON to stdout, one object
// per line. Failures are reported as {"error":true,"code":...,"message":...}
// on stdout with a non-zero exit status.
//
// Usage:
//
//	# Build a request envelope
//	echo '{"text":"run LATE_SHIP"}' | envelope create
//
//	# Validate an NDJSON stream
//	cat session.ndjson | envelope validate
//
//	# Summarize one envelope
//	cat response.json | envelope inspect
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/transport"
)

// Version information
const (
	Version   = "1.0.0"
	BuildTime = "2026-10-19"
)

// errReported marks a failure that has already been written to stdout.
var errReported = errors.New("reported")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "envelope",
		Short: "Create, validate and inspect supervisor envelopes",
		Long: `envelope reads JSON from stdin and writes JSON to stdout.

Examples:
  echo '{"text":"run LATE_SHIP"}' | envelope create
  cat session.ndjson | envelope validate
  cat response.json | envelope inspect`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCreateCmd(), newValidateCmd(), newInspectCmd(), newVersionCmd())
	return root
}

// =============================================================================
// CREATE
// =============================================================================

// createInput is the stdin document accepted by create. Missing IDs are generated.
type createInput struct {
	Text      string         `json:"text"`
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	Verb      string         `json:"verb"`
	Decision  string         `json:"decision"`
	Body      map[string]any `json:"body,omitempty"`
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a request envelope from input JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return writeError(out, "read_error", err.Error())
			}

			var in createInput
			if len(strings.TrimSpace(string(input))) > 0 {
				if err := json.Unmarshal(input, &in); err != nil {
					return writeError(out, "parse_error", fmt.Sprintf("Invalid JSON: %s", err.Error()))
				}
			}

			env, err := buildRequest(in)
			if err != nil {
				return writeError(out, "invalid_request", err.Error())
			}
			return writeEnvelope(out, env)
		},
	}
}

func buildRequest(in createInput) (*envelope.Envelope, error) {
	if in.SessionID == "" {
		in.SessionID = envelope.NewSessionID()
	}
	if in.RequestID == "" {
		in.RequestID = envelope.NewRequestID()
	}
	verb := envelope.VerbGeneric
	if in.Verb != "" {
		v, err := envelope.VerbFromString(in.Verb)
		if err != nil {
			return nil, err
		}
		verb = v
	}
	decision := envelope.DecisionNone
	if in.Decision != "" {
		d, err := envelope.DecisionFromString(in.Decision)
		if err != nil {
			return nil, err
		}
		decision = d
	}

	body := envelope.CopyBody(in.Body)
	if body == nil {
		body = map[string]any{}
	}
	if in.Text != "" {
		body[envelope.BodyKeyRawText] = in.Text
	}

	return envelope.NewRequest(envelope.Header{
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Verb:      verb,
	}, decision, body)
}

// =============================================================================
// VALIDATE
// =============================================================================

// validation is one line of validate output.
type validation struct {
	Line      int    `json:"line"`
	Valid     bool   `json:"valid"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Field     string `json:"field,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an NDJSON stream of envelopes",
		Long: `Validate decodes every non-blank stdin line and writes one result
object per line. With --strict the command exits non-zero when any line is
invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			reader := transport.NewReader(cmd.InOrStdin())
			invalid := 0
			for {
				env, err := reader.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				result := validation{Line: reader.Line()}
				var malformed *envelope.MalformedEnvelopeError
				switch {
				case err == nil:
					result.Valid = true
					result.Kind = string(env.Kind)
					result.RequestID = env.RequestID
				case errors.As(err, &malformed):
					invalid++
					result.Field = malformed.Field
					result.Error = err.Error()
				default:
					return writeError(out, "read_error", err.Error())
				}
				if err := writeJSON(out, result); err != nil {
					return err
				}
				if reader.Broken() {
					break
				}
			}
			if strict && invalid > 0 {
				return fmt.Errorf("%d invalid envelope(s)", invalid)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any line is invalid")
	return cmd
}

// =============================================================================
// INSPECT
// =============================================================================

// summary is the inspect output.
type summary struct {
	Kind       string   `json:"kind"`
	SessionID  string   `json:"sessionId"`
	RequestID  string   `json:"requestId"`
	Verb       string   `json:"verb"`
	Terminal   bool     `json:"terminal"`
	ReturnCode int      `json:"returnCode"`
	Decision   string   `json:"decision,omitempty"`
	NextStep   string   `json:"nextStep,omitempty"`
	ErrorCode  string   `json:"errorCode,omitempty"`
	BodyKeys   []string `json:"bodyKeys"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Summarize one envelope: kind, terminal state and routing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return writeError(out, "read_error", err.Error())
			}
			env, err := envelope.Decode(input)
			if err != nil {
				return writeError(out, envelope.CodeMalformedEnvelope, err.Error())
			}
			return writeJSON(out, summarize(env))
		},
	}
}

func summarize(env *envelope.Envelope) summary {
	s := summary{
		Kind:       string(env.Kind),
		SessionID:  env.SessionID,
		RequestID:  env.RequestID,
		Verb:       string(env.Verb),
		Terminal:   env.IsTerminal(),
		ReturnCode: env.ReturnCode,
		Decision:   string(env.Decision),
		NextStep:   env.NextAgentHint,
		BodyKeys:   []string{},
	}
	if code, ok := env.Body[envelope.BodyKeyErrorCode].(string); ok {
		s.ErrorCode = code
	}
	for k := range env.Body {
		s.BodyKeys = append(s.BodyKeys, k)
	}
	sort.Strings(s.BodyKeys)
	return s
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"version":          Version,
				"build_time":       BuildTime,
				"protocol_version": envelope.ProtocolVersion,
			})
		},
	}
}

// =============================================================================
// OUTPUT
// =============================================================================

// writeJSON writes v as one line.
func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w io.Writer, env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return writeError(w, "encode_error", err.Error())
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// writeError writes an error object and returns errReported so the process
// exits non-zero.
func writeError(w io.Writer, code, message string) error {
	if err := writeJSON(w, map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	}); err != nil {
		return err
	}
	return errReported
}
