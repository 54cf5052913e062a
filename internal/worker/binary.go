package worker

import (
	"context"
	"time"

	"log/slog"

	"github.com/scrawlhq/scrawl/internal/model"
)

// runBinaryCycle ticks every due binary for this machine. Installation is
// synchronous inside the transition, so one cycle can take a while; the
// short poll interval only matters when the queue is empty.
func (w *Worker) runBinaryCycle(ctx context.Context) (int, error) {
	m, err := w.Eng.Reg.Machine(ctx)
	if err != nil {
		return 0, err
	}
	due, err := w.Eng.St.ListDueBinaries(ctx, m.ID, time.Now().UTC(), w.MaxTasks)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range due {
		if err := w.Eng.Tick(ctx, model.KindBinary, due[i].ID); err != nil {
			slog.Warn("binary tick failed", "binary", due[i].Name, "err", err)
			continue
		}
		n++
	}
	return n, nil
}
