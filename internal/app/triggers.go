package app

import (
	"net/http"
	"strings"

	"dispatchq/internal/config"
	"dispatchq/internal/task"
	"dispatchq/internal/task/httptask"
	"dispatchq/internal/task/trigger"
)

// triggerDefs turns configured triggers into HTTP task definitions.
func triggerDefs(client *httptask.Client, tcs []config.TriggerConfig) []trigger.Definition {
	defs := make([]trigger.Definition, 0, len(tcs))
	for _, tc := range tcs {
		req := httptask.Request{Method: strings.ToUpper(tc.Method), URL: tc.URL}
		if tc.Body != "" {
			req.Body = []byte(tc.Body)
		}
		if len(tc.Header) > 0 {
			req.Header = http.Header{}
			for k, v := range tc.Header {
				req.Header.Set(k, v)
			}
		}
		defs = append(defs, trigger.Definition{
			Name:     tc.Name,
			Schedule: tc.Schedule,
			Task:     task.WithHints(client.Task(req), task.Hints{Priority: tc.Priority, Retries: tc.Retries}),
			DedupKey: tc.DedupKey,
		})
	}
	return defs
}
