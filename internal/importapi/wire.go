package importapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// Request and response bodies of the remote import API. Responses are
// wrapped in a {"data": ...} envelope.

type createJobBody struct {
	ImportModelID   string          `json:"importModelId"`
	AuraCredentials auraCredentials `json:"auraCredentials"`
	Filter          *windowFilter   `json:"filter,omitempty"`
}

type auraCredentials struct {
	DBID string `json:"dbId"`
}

type windowFilter struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type createJobData struct {
	ID string `json:"id"`
}

type jobData struct {
	ID            string  `json:"id"`
	ImportType    string  `json:"import_type"`
	ImportModelID string  `json:"import_model_id"`
	DBID          string  `json:"aura_db_id"`
	Info          jobInfo `json:"info"`
}

type jobInfo struct {
	State          string       `json:"state"`
	SubmittedTime  string       `json:"submitted_time"`
	LastUpdateTime string       `json:"last_update_time"`
	CompletionTime string       `json:"completion_time"`
	ExitStatus     *exitStatus  `json:"exit_status"`
	Progress       *jobProgress `json:"progress"`
}

type exitStatus struct {
	State   string `json:"state"`
	Message string `json:"message"`
}

type jobProgress struct {
	PercentageComplete float64               `json:"percentage_complete"`
	Nodes              []nodeProgress         `json:"nodes"`
	Relationships      []relationshipProgress `json:"relationships"`
}

type nodeProgress struct {
	Labels        []string `json:"labels"`
	ProcessedRows int64    `json:"processed_rows"`
	TotalRows     int64    `json:"total_rows"`
	CreatedNodes  int64    `json:"created_nodes"`
}

type relationshipProgress struct {
	Type                 string `json:"type"`
	ProcessedRows        int64  `json:"processed_rows"`
	TotalRows            int64  `json:"total_rows"`
	CreatedRelationships int64  `json:"created_relationships"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Errors  []struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"errors"`
}

func newWindowFilter(w *types.Window) *windowFilter {
	if w == nil || w.IsZero() {
		return nil
	}
	return &windowFilter{
		From: w.From.UTC().Format(time.RFC3339),
		To:   w.To.UTC().Format(time.RFC3339),
	}
}

// normalizeState maps the remote state vocabulary onto the four local
// states. The remote "Failed" state becomes Completed with a Failure exit.
func normalizeState(s string) (types.JobState, bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "submitted", "queued":
		return types.StatePending, false, nil
	case "running", "inprogress", "in_progress":
		return types.StateRunning, false, nil
	case "completed", "succeeded", "success":
		return types.StateCompleted, false, nil
	case "failed", "failure":
		return types.StateCompleted, true, nil
	case "cancelled", "canceled":
		return types.StateCancelled, false, nil
	default:
		return "", false, fmt.Errorf("unknown job state %q", s)
	}
}

func normalizeExit(s string) types.ExitStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "failure", "failed", "error":
		return types.ExitFailure
	default:
		return types.ExitSuccess
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func (d *jobData) toJob() (*types.Job, error) {
	state, failed, err := normalizeState(d.Info.State)
	if err != nil {
		return nil, err
	}

	job := &types.Job{
		ID:               types.JobID(d.ID),
		TemplateID:       d.ImportModelID,
		TargetResourceID: d.DBID,
		State:            state,
		SubmittedAt:      parseTime(d.Info.SubmittedTime),
		UpdatedAt:        parseTime(d.Info.LastUpdateTime),
	}
	if t := parseTime(d.Info.CompletionTime); !t.IsZero() {
		job.CompletedAt = &t
	}

	if d.Info.ExitStatus != nil {
		job.Exit = &types.Exit{
			Status:  normalizeExit(d.Info.ExitStatus.State),
			Message: d.Info.ExitStatus.Message,
		}
	}
	if failed {
		if job.Exit == nil {
			job.Exit = &types.Exit{}
		}
		job.Exit.Status = types.ExitFailure
	}

	if p := d.Info.Progress; p != nil {
		prog := &types.Progress{PercentageComplete: p.PercentageComplete}
		for _, n := range p.Nodes {
			prog.Nodes = append(prog.Nodes, types.NodeProgress{
				Labels:        n.Labels,
				ProcessedRows: n.ProcessedRows,
				TotalRows:     n.TotalRows,
				Created:       n.CreatedNodes,
			})
		}
		for _, r := range p.Relationships {
			prog.Relationships = append(prog.Relationships, types.RelationshipProgress{
				Type:          r.Type,
				ProcessedRows: r.ProcessedRows,
				TotalRows:     r.TotalRows,
				Created:       r.CreatedRelationships,
			})
		}
		job.Progress = prog
	}
	return job, nil
}

// remoteMessage extracts a human readable message from an error body.
func remoteMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		var parts []string
		for _, e := range eb.Errors {
			if e.Message != "" {
				parts = append(parts, e.Message)
			} else if e.Reason != "" {
				parts = append(parts, e.Reason)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return msg
}
