// Package control is the Control Surface: the read/administrative
// operations spec.md §4.5 names, rendered as the same report shapes
// `original_source/core4/script/coco.py` prints, over `internal/queue`
// instead of a direct database handle.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
	"github.com/coreflowhq/coreflow/internal/queue"
	"github.com/coreflowhq/coreflow/internal/store"
)

// Surface wraps a queue.Service with the formatting coco.py's functions
// apply before printing.
type Surface struct {
	svc *queue.Service
}

func New(svc *queue.Service) *Surface {
	return &Surface{svc: svc}
}

// Halt sets the global halt flag every daemon observes at its next tick.
func (s *Surface) Halt(ctx context.Context) error {
	return s.svc.Halt(ctx)
}

// Alive renders the daemon table coco.py's `alive()` prints: loop,
// loop_time, heartbeat, kind, name — one row per registered daemon.
func (s *Surface) Alive(ctx context.Context) (string, error) {
	daemons, err := s.svc.GetDaemons(ctx)
	if err != nil {
		return "", err
	}
	if len(daemons) == 0 {
		return "no daemon.\n", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s %-19s %-19s %-9s %s\n", "loop", "loop_time", "heartbeat", "kind", "name")
	for _, d := range daemons {
		fmt.Fprintf(&b, "%-19d %-19s %-19s %-9s %s\n",
			d.Loop, d.LoopTime.Format(time.RFC3339), d.Heartbeat.Format(time.RFC3339), d.Kind, d.Name)
	}
	return b.String(), nil
}

// Info renders the job-state summary coco.py's `info()` prints: count,
// state, flags, name for each distinct (state, name, flags) group.
func (s *Surface) Info(ctx context.Context) (string, error) {
	jobs, err := s.svc.GetJobListing(ctx, store.JobFilter{})
	if err != nil {
		return "", err
	}
	type key struct{ state, flags, name string }
	counts := map[key]int{}
	order := []key{}
	for _, j := range jobs {
		k := key{string(j.State), j.Flags(), j.Name}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}
	if len(order) == 0 {
		return "no jobs.\n", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%6s %-8s %-4s %s\n", "n", "state", "flag", "name")
	for _, k := range order {
		fmt.Fprintf(&b, "%6d %-8.8s %-4.4s %s\n", counts[k], k.state, k.flags, k.name)
	}
	return b.String(), nil
}

// Listing renders the per-job table coco.py's `listing()` prints, filtered
// to the given states (empty means every state).
func (s *Surface) Listing(ctx context.Context, states []jobqueue.State) (string, error) {
	jobs, err := s.svc.GetJobListing(ctx, store.JobFilter{States: states})
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "no jobs.\n", nil
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-8s %-4s %4s %4s %-7s %-6s %-19s %-19s %-11s %-6s %s\n",
		"id", "state", "flag", "pro", "prio", "attempt", "user", "enqueued", "age", "runtime", "worker", "name")
	for _, j := range jobs {
		worker := ""
		if j.Lock != nil {
			worker = j.Lock.WorkerID
		}
		progress := j.Progress.Value
		runtime := j.Runtime
		if j.State == jobqueue.Running && j.StartedAt != nil {
			runtime = now.Sub(*j.StartedAt).Seconds()
		}
		force := " "
		if j.Force {
			force = "F"
		}
		age := now.Sub(j.Enqueued.At).Round(time.Second)
		fmt.Fprintf(&b, "%-24s %-8.8s %-4.4s %3.0f%% %03d%s %3d/%-3d %-6.6s %-19s %-19s %-11s %-6s %s\n",
			j.ID.String(), j.State, j.Flags(), progress*100, j.Priority, force,
			j.Attempts-j.AttemptsLeft, j.Attempts, j.Enqueued.Username,
			j.Enqueued.At.Format(time.RFC3339), age.String(),
			(time.Duration(runtime) * time.Second).String(), worker, j.Name)
	}
	return b.String(), nil
}

// Detail renders one job's full record as JSON followed by its captured
// stdout, mirroring coco.py's `detail()`.
func (s *Surface) Detail(ctx context.Context, id jobqueue.ID) (string, error) {
	job, err := s.svc.JobDetail(ctx, id)
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", err
	}
	stdout, stderr, err := s.svc.GetJobStdout(ctx, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Write(raw)
	b.WriteString("\n" + strings.Repeat("-", 80) + "\n")
	fmt.Fprintf(&b, "STDOUT:\n%s\nSTDERR:\n%s\n", stdout, stderr)
	return b.String(), nil
}

// Remove resolves token (an id or a job name) to every matching job id and
// removes each one.
func (s *Surface) Remove(ctx context.Context, token string) ([]jobqueue.ID, error) {
	ids, err := s.svc.ResolveByIDOrName(ctx, token)
	if err != nil {
		return nil, err
	}
	var removed []jobqueue.ID
	for _, id := range ids {
		if err := s.svc.RemoveJob(ctx, id); err != nil {
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// Restart resolves token and restarts every matching job, returning the
// freshly enqueued replacement records.
func (s *Surface) Restart(ctx context.Context, token string) ([]*jobqueue.Record, error) {
	ids, err := s.svc.ResolveByIDOrName(ctx, token)
	if err != nil {
		return nil, err
	}
	var out []*jobqueue.Record
	for _, id := range ids {
		rec, err := s.svc.RestartJob(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Kill resolves token and kills every matching job.
func (s *Surface) Kill(ctx context.Context, token string) ([]jobqueue.ID, error) {
	ids, err := s.svc.ResolveByIDOrName(ctx, token)
	if err != nil {
		return nil, err
	}
	var killed []jobqueue.ID
	for _, id := range ids {
		if err := s.svc.KillJob(ctx, id); err != nil {
			continue
		}
		killed = append(killed, id)
	}
	return killed, nil
}

// Pause enters maintenance for project ("" means global).
func (s *Surface) Pause(ctx context.Context, project string) (string, error) {
	already, err := s.svc.Maintenance(ctx, project)
	if err != nil {
		return "", err
	}
	if already {
		return maintenanceMessage("in maintenance already,\nnothing to do", project), nil
	}
	if err := s.svc.EnterMaintenance(ctx, project); err != nil {
		return "", err
	}
	return maintenanceMessage("entering maintenance", project), nil
}

// Resume leaves maintenance for project ("" means global).
func (s *Surface) Resume(ctx context.Context, project string) (string, error) {
	active, err := s.svc.Maintenance(ctx, project)
	if err != nil {
		return "", err
	}
	if !active {
		return maintenanceMessage("not in maintenance,\nnothing to do", project), nil
	}
	if err := s.svc.LeaveMaintenance(ctx, project); err != nil {
		return "", err
	}
	return maintenanceMessage("leaving maintenance", project), nil
}

func maintenanceMessage(action, project string) string {
	if project == "" {
		return action + "\n"
	}
	return fmt.Sprintf("%s on [%s]\n", action, project)
}

// Mode renders the global/project maintenance state coco.py's `mode()`
// prints.
func (s *Surface) Mode(ctx context.Context, projects []string) (string, error) {
	global, err := s.svc.Maintenance(ctx, "")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "global maintenance:\n  %v\n", global)
	var active []string
	for _, p := range projects {
		on, err := s.svc.Maintenance(ctx, p)
		if err != nil {
			return "", err
		}
		if on {
			active = append(active, p)
		}
	}
	if len(active) > 0 {
		b.WriteString("project maintenance:\n")
		for _, p := range active {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}
	return b.String(), nil
}

// enqueueTokenRE matches a "K=V" or "K:V" CLI token, as coco.py's enqueue
// argument rewrite does.
var enqueueTokenRE = regexp.MustCompile(`^\s*(\w+)\s*[:=]\s*(.+)\s*$`)

// ParseEnqueueArgs implements the K=V enqueue argument parsing rule:
// each token is rewritten to `"K": V` and joined into one JSON object; if
// that fails to parse and exactly one token was given, the token itself is
// parsed as a standalone JSON value.
func ParseEnqueueArgs(tokens []string) (map[string]any, error) {
	if len(tokens) == 0 {
		return map[string]any{}, nil
	}
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, enqueueTokenRE.ReplaceAllString(t, `"$1": $2`))
	}
	js := "{" + strings.Join(parts, ", ") + "}"
	var data map[string]any
	if err := json.Unmarshal([]byte(js), &data); err == nil {
		return data, nil
	}
	if len(tokens) == 1 {
		var raw any
		if err := json.Unmarshal([]byte(tokens[0]), &raw); err == nil {
			if m, ok := raw.(map[string]any); ok {
				return m, nil
			}
			// The lone token parsed as JSON but not as an object (a bare
			// number, string, bool, array, or null) — still a valid JSON
			// value per the parsing rule, so it is carried through rather
			// than rejected.
			return map[string]any{"value": raw}, nil
		}
	}
	return nil, fmt.Errorf("control: failed to parse enqueue arguments %v", tokens)
}

// Enqueue submits a job by qualified name with CLI-style K=V arguments.
func (s *Surface) Enqueue(ctx context.Context, name string, args []string) (*jobqueue.Record, error) {
	data, err := ParseEnqueueArgs(args)
	if err != nil {
		return nil, err
	}
	return s.svc.Enqueue(ctx, queue.EnqueueInput{Name: name, Args: data})
}
