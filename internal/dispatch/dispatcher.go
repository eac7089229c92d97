package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/bookpipe/internal/logging"
	"github.com/nhle/bookpipe/internal/model"
)

// DefaultTimeout bounds each task run.
const DefaultTimeout = 10 * time.Minute

// stderrTail is how much of a failed run's stderr is kept in the outcome.
const stderrTail = 512

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-task timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithAllowedTools sets the capability set passed to every invocation.
func WithAllowedTools(tools []string) Option {
	return func(d *Dispatcher) {
		d.allowedTools = tools
	}
}

// WithParallel runs a unit's tasks concurrently.
func WithParallel(parallel bool) Option {
	return func(d *Dispatcher) {
		d.parallel = parallel
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// Dispatcher runs a fixed list of tasks against each ProcessingUnit.
type Dispatcher struct {
	runner       Runner
	tasks        []model.TaskSpec
	timeout      time.Duration
	allowedTools []string
	parallel     bool
	log          *logging.Logger
}

// New creates a Dispatcher.
func New(runner Runner, tasks []model.TaskSpec, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:       runner,
		tasks:        tasks,
		timeout:      DefaultTimeout,
		allowedTools: model.DefaultAllowedTools,
		log:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tasks returns the configured task list.
func (d *Dispatcher) Tasks() []model.TaskSpec {
	return d.tasks
}

// Dispatch runs every task and returns the outcomes keyed by task name.
// The map always has one entry per task.
func (d *Dispatcher) Dispatch(ctx context.Context, unit *model.ProcessingUnit) map[string]model.TaskOutcome {
	ordered := d.DispatchOrdered(ctx, unit)

	outcomes := make(map[string]model.TaskOutcome, len(ordered))
	for _, o := range ordered {
		outcomes[o.Task] = o
	}
	return outcomes
}

// DispatchOrdered runs every task and returns the outcomes in task order.
// Sequential runs stop starting new tasks once ctx is cancelled; the
// remaining tasks are reported as cancelled errors.
func (d *Dispatcher) DispatchOrdered(ctx context.Context, unit *model.ProcessingUnit) []model.TaskOutcome {
	outcomes := make([]model.TaskOutcome, len(d.tasks))

	if d.parallel {
		// Task goroutines never return errors, so one failure cannot
		// cancel its siblings.
		var g errgroup.Group
		for i, task := range d.tasks {
			g.Go(func() error {
				outcomes[i] = d.runTask(ctx, unit, task)
				return nil
			})
		}
		_ = g.Wait()
		return outcomes
	}

	for i, task := range d.tasks {
		if ctx.Err() != nil {
			outcomes[i] = cancelled(task.Name)
			continue
		}
		outcomes[i] = d.runTask(ctx, unit, task)
	}
	return outcomes
}

func (d *Dispatcher) runTask(
	ctx context.Context, unit *model.ProcessingUnit, task model.TaskSpec,
) model.TaskOutcome {
	in := model.PromptInput{
		Name:       unit.Name,
		Text:       unit.Text,
		SourcePath: unit.SourcePath,
		OutputPath: filepath.Join(unit.Dir, task.Output),
		Dir:        unit.Dir,
	}

	inv := Invocation{
		Prompt:       task.Prompt(in),
		Dir:          unit.Dir,
		AllowedTools: d.allowedTools,
		Timeout:      d.timeout,
		SourcePath:   unit.SourcePath,
		OutputPath:   in.OutputPath,
		OutputIsDir:  strings.HasSuffix(task.Output, "/"),
		Text:         unit.Text,
	}

	log := d.log.With("task", task.Name, "unit", unit.Name)
	log.Infow("running task")

	taskCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res := d.runner.Run(taskCtx, inv)

	outcome := classify(ctx, taskCtx, task.Name, res)
	outcome.Duration = time.Since(start)

	switch outcome.Status {
	case model.StatusSuccess:
		log.Infow("task completed", "duration", outcome.Duration)
	case model.StatusTimeout:
		log.Errorw("task timed out", "timeout", d.timeout)
	case model.StatusFailed:
		log.Errorw("task failed", "exit_code", outcome.ExitCode, "stderr", outcome.Detail)
	default:
		log.Errorw("task error", "detail", outcome.Detail)
	}

	return outcome
}

// classify maps a runner result onto a normalized outcome.
func classify(parent, taskCtx context.Context, name string, res Result) model.TaskOutcome {
	o := model.TaskOutcome{Task: name, ExitCode: res.ExitCode}

	switch {
	case res.Err == nil && !res.TimedOut && res.ExitCode == 0:
		o.Status = model.StatusSuccess
	case parent.Err() != nil:
		return cancelled(name)
	case res.TimedOut || taskCtx.Err() == context.DeadlineExceeded:
		o.Status = model.StatusTimeout
	case res.Err != nil:
		o.Status = model.StatusError
		o.Detail = res.Err.Error()
	default:
		o.Status = model.StatusFailed
		o.Detail = tail(res.Stderr, stderrTail)
	}

	return o
}

func cancelled(name string) model.TaskOutcome {
	return model.TaskOutcome{
		Task:     name,
		Status:   model.StatusError,
		Detail:   "cancelled",
		ExitCode: -1,
	}
}

// tail returns the last n bytes of b as trimmed, valid UTF-8.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
		for len(b) > 0 && !utf8.RuneStart(b[0]) {
			b = b[1:]
		}
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
}
