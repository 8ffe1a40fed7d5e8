package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/felipemaragno/settle/internal/domain"
)

type output struct {
	format string
	w      io.Writer
}

// json writes v as indented JSON when --format=json and reports whether it did.
func (o *output) json(v any) (bool, error) {
	if o.format != "json" {
		return false, nil
	}
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func (o *output) status(s domain.EventStatus) error {
	if done, err := o.json(s); done {
		return err
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "event\t%s\n", s.ProviderEventID)
	fmt.Fprintf(tw, "type\t%s\n", s.EventType)
	fmt.Fprintf(tw, "state\t%s\n", stateOf(s))
	fmt.Fprintf(tw, "attempts\t%d\n", s.AttemptCount)
	fmt.Fprintf(tw, "created\t%s\n", s.CreatedAt.Format(time.RFC3339))
	if s.ProcessedAt != nil {
		fmt.Fprintf(tw, "processed\t%s\n", s.ProcessedAt.Format(time.RFC3339))
	}
	if s.NextRetryAt != nil {
		fmt.Fprintf(tw, "next retry\t%s\n", s.NextRetryAt.Format(time.RFC3339))
	}
	if s.ErrorMessage != nil {
		fmt.Fprintf(tw, "error\t%s\n", *s.ErrorMessage)
	}
	return tw.Flush()
}

func (o *output) statuses(list []domain.EventStatus) error {
	if done, err := o.json(list); done {
		return err
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(o.w, "No dead-lettered events.")
		return err
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tATTEMPTS\tERROR")
	for _, s := range list {
		msg := ""
		if s.ErrorMessage != nil {
			msg = *s.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ProviderEventID, s.EventType, s.AttemptCount, msg)
	}
	return tw.Flush()
}

func stateOf(s domain.EventStatus) string {
	switch {
	case s.Processed:
		return "processed"
	case s.DeadLetter:
		return "dead-lettered"
	case s.AttemptCount == 0:
		return "received"
	default:
		return "retrying"
	}
}
