package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"github.com/outreachflow/outreachflow/state"
)

// EmailSender delivers outbound email. Implementations are external
// (SMTP relay, provider API).
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) (messageID string, err error)
}

// CallDialer places outbound calls.
type CallDialer interface {
	InitiateCall(ctx context.Context, phone string, talkingPoints []string) (callID string, err error)
}

// RecordService reads and mutates records in the system of record.
type RecordService interface {
	GetRecord(ctx context.Context, id string) (*state.Record, error)
	GetRecordHistory(ctx context.Context, id string) ([]state.Message, error)
	UpdateRecordStatus(ctx context.Context, id string, status state.RecordStatus) error
}

// RegisterOutreachTools registers the built-in tool set over the given
// capabilities. A nil capability leaves its tools reporting failure when
// called, which keeps partially wired deployments running.
func RegisterOutreachTools(e *Executor, email EmailSender, dialer CallDialer, records RecordService) error {
	handlers := []*Handler{
		sendEmailHandler(email),
		sendCallHandler(dialer),
		getRecordHandler(records),
		getRecordHistoryHandler(records),
		updateRecordStatusHandler(records),
	}
	for _, h := range handlers {
		if err := e.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func sendEmailHandler(email EmailSender) *Handler {
	return &Handler{
		Name:        "sendEmail",
		Description: "Send an email to the record's contact. The body is markdown and is rendered to HTML before delivery.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"type": "string", "description": "Recipient email address"},
				"subject": map[string]any{"type": "string", "description": "Email subject line"},
				"body":    map[string]any{"type": "string", "description": "Email body in markdown"},
			},
			"required": []string{"to", "subject", "body"},
		},
		Run: func(ctx context.Context, args map[string]any) (*Result, error) {
			if email == nil {
				return nil, fmt.Errorf("email delivery is not configured")
			}
			to := stringArg(args, "to")
			subject := stringArg(args, "subject")
			body := stringArg(args, "body")
			if to == "" {
				return nil, fmt.Errorf("missing recipient address")
			}

			messageID, err := email.SendEmail(ctx, to, subject, renderMarkdown(body))
			if err != nil {
				return nil, err
			}
			return &Result{
				Success: true,
				Message: fmt.Sprintf("Email sent to %s (message %s)", to, messageID),
				Data:    map[string]any{"messageId": messageID},
			}, nil
		},
	}
}

func sendCallHandler(dialer CallDialer) *Handler {
	return &Handler{
		Name:        "sendCall",
		Description: "Place an automated call to the record's contact with the given talking points.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone": map[string]any{"type": "string", "description": "Phone number in E.164 format"},
				"talkingPoints": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Points the call agent should cover",
				},
			},
			"required": []string{"phone"},
		},
		Run: func(ctx context.Context, args map[string]any) (*Result, error) {
			if dialer == nil {
				return nil, fmt.Errorf("call dialing is not configured")
			}
			phone := stringArg(args, "phone")
			if phone == "" {
				return nil, fmt.Errorf("missing phone number")
			}

			callID, err := dialer.InitiateCall(ctx, phone, stringSliceArg(args, "talkingPoints"))
			if err != nil {
				return nil, err
			}
			return &Result{
				Success: true,
				Message: fmt.Sprintf("Call initiated to %s (call %s)", phone, callID),
				Data:    map[string]any{"callId": callID},
			}, nil
		},
	}
}

func getRecordHandler(records RecordService) *Handler {
	return &Handler{
		Name:        "getRecord",
		Description: "Fetch the current record from the system of record.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recordId": map[string]any{"type": "string"},
			},
			"required": []string{"recordId"},
		},
		Run: func(ctx context.Context, args map[string]any) (*Result, error) {
			if records == nil {
				return nil, fmt.Errorf("record service is not configured")
			}
			rec, err := records.GetRecord(ctx, stringArg(args, "recordId"))
			if err != nil {
				return nil, err
			}
			data, err := toMap(rec)
			if err != nil {
				return nil, err
			}
			return &Result{
				Success: true,
				Message: fmt.Sprintf("Record %s: %s (%s)", rec.ID, rec.Title, rec.Status),
				Data:    data,
			}, nil
		},
	}
}

func getRecordHistoryHandler(records RecordService) *Handler {
	return &Handler{
		Name:        "getRecordHistory",
		Description: "Fetch the outreach history of a record.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recordId": map[string]any{"type": "string"},
			},
			"required": []string{"recordId"},
		},
		Run: func(ctx context.Context, args map[string]any) (*Result, error) {
			if records == nil {
				return nil, fmt.Errorf("record service is not configured")
			}
			history, err := records.GetRecordHistory(ctx, stringArg(args, "recordId"))
			if err != nil {
				return nil, err
			}
			entries := make([]any, 0, len(history))
			for _, m := range history {
				entry, err := toMap(m)
				if err != nil {
					return nil, err
				}
				entries = append(entries, entry)
			}
			return &Result{
				Success: true,
				Message: fmt.Sprintf("%d history entries", len(entries)),
				Data:    map[string]any{"entries": entries},
			}, nil
		},
	}
}

func updateRecordStatusHandler(records RecordService) *Handler {
	return &Handler{
		Name:        "updateRecordStatus",
		Description: "Set the lifecycle status of a record.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recordId": map[string]any{"type": "string"},
				"status": map[string]any{
					"type": "string",
					"enum": []string{"OPEN", "DONE", "BLOCKED", "ARCHIVED"},
				},
			},
			"required": []string{"recordId", "status"},
		},
		Run: func(ctx context.Context, args map[string]any) (*Result, error) {
			if records == nil {
				return nil, fmt.Errorf("record service is not configured")
			}
			id := stringArg(args, "recordId")
			status := state.RecordStatus(stringArg(args, "status"))
			switch status {
			case state.RecordOpen, state.RecordDone, state.RecordBlocked, state.RecordArchived:
			default:
				return nil, fmt.Errorf("invalid record status %q", status)
			}

			if err := records.UpdateRecordStatus(ctx, id, status); err != nil {
				return nil, err
			}
			return &Result{
				Success: true,
				Message: fmt.Sprintf("Record %s status set to %s", id, status),
				Data:    map[string]any{"recordId": id, "status": string(status)},
			}, nil
		},
	}
}

// renderMarkdown converts a markdown body into the HTML delivered by the
// email channel.
func renderMarkdown(body string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags})
	return string(markdown.ToHTML([]byte(body), p, renderer))
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		if typed, ok := args[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
