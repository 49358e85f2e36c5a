package infra

import (
	"errors"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

var errTaskCancelled = errors.New("permission request cancelled")

// PermissionTask follows one broker permission request until the
// operator decides it. The request is long-polled; Cancel drops interest
// without withdrawing the request on the broker.
type PermissionTask struct {
	session *BrokerSession
	id      string
	decided bool
	granted bool
	tomb    tomb.Tomb
}

func newPermissionTask(session *BrokerSession, id string) *PermissionTask {
	t := &PermissionTask{session: session, id: id}
	t.tomb.Go(t.loop)
	return t
}

// ID returns the broker request id.
func (t *PermissionTask) ID() string {
	return t.id
}

func (t *PermissionTask) loop() error {
	ctx := t.tomb.Context(t.session.ctx)
	for {
		req, err := t.session.Request(ctx, t.id, true)
		if err != nil {
			if ctx.Err() != nil {
				return errTaskCancelled
			}
			return err
		}
		if req.Decided {
			t.decided = true
			t.granted = req.Granted
			t.session.logger.Info("broker permission decided",
				zap.String("id", t.id),
				zap.Bool("granted", req.Granted))
			return nil
		}
		// The broker's wait bound passed; poll again.
	}
}

// Wait blocks until the request is decided or cancelled. A cancelled
// task reports false without error.
func (t *PermissionTask) Wait() (bool, error) {
	err := t.tomb.Wait()
	if t.decided {
		return t.granted, nil
	}
	if errors.Is(err, errTaskCancelled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.granted, nil
}

// Cancel drops interest in the request.
func (t *PermissionTask) Cancel() {
	t.tomb.Kill(errTaskCancelled)
}

// Done is closed once the task has finished.
func (t *PermissionTask) Done() <-chan struct{} {
	return t.tomb.Dead()
}

// Ensure PermissionTask implements domain.PermissionTask.
var _ domain.PermissionTask = (*PermissionTask)(nil)
