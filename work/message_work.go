package work

import (
	"context"
	"fmt"

	"github.com/blingmoon/workexec/store"
)

// messageCoupleWork 触发等待事件, 然后删除消息和消息数据
type messageCoupleWork struct {
	BaseWork
	services          *Services
	messageInstanceID int64
	waitingMessageID  int64
}

func (w *messageCoupleWork) Description() string {
	return fmt.Sprintf("ExecuteMessageCouple: message %d with waiting event %d", w.messageInstanceID, w.waitingMessageID)
}

func (w *messageCoupleWork) RecoveryProcedure() string {
	return fmt.Sprintf("reset waiting message event %d and message %d to not handled, then trigger message matching", w.waitingMessageID, w.messageInstanceID)
}

func (w *messageCoupleWork) Work(ctx context.Context) (Result, error) {
	s := w.services
	waiting, err := s.Messages.GetWaitingMessageEvent(ctx, w.waitingMessageID)
	if err != nil {
		if store.IsNotFound(err) {
			return Skipped("stale"), nil
		}
		return Result{}, err
	}
	if err := s.EventsHandler.TriggerCatchEvent(ctx, waiting, w.messageInstanceID); err != nil {
		return Result{}, err
	}
	if err := s.Messages.DeleteMessageData(ctx, w.messageInstanceID); err != nil {
		return Result{}, err
	}
	if err := s.Messages.DeleteMessageInstance(ctx, w.messageInstanceID); err != nil {
		return Result{}, err
	}
	return Executed(), nil
}

// HandleFailure 只重置等待事件, 消息实例保持 handled
func (w *messageCoupleWork) HandleFailure(ctx context.Context, cause error) error {
	s := w.services
	return s.Tx.ExecuteInNewTransaction(ctx, func(ctx context.Context) error {
		return s.Messages.UpdateWaitingMessageEventProgress(ctx, w.waitingMessageID, store.WaitingEventFree)
	})
}

type triggerSignalWork struct {
	BaseWork
	services        *Services
	waitingSignalID int64
	signalName      string
}

func (w *triggerSignalWork) Description() string {
	return fmt.Sprintf("TriggerSignal: signal %s on waiting event %d", w.signalName, w.waitingSignalID)
}

func (w *triggerSignalWork) RecoveryProcedure() string {
	return fmt.Sprintf("send signal %s again", w.signalName)
}

func (w *triggerSignalWork) Work(ctx context.Context) (Result, error) {
	s := w.services
	waiting, err := s.Signals.GetWaitingSignalEvent(ctx, w.waitingSignalID)
	if err != nil {
		if store.IsNotFound(err) {
			return Skipped("stale"), nil
		}
		return Result{}, err
	}
	if err := s.EventsHandler.TriggerSignal(ctx, waiting); err != nil {
		return Result{}, err
	}
	return Executed(), nil
}

func (w *triggerSignalWork) HandleFailure(ctx context.Context, cause error) error {
	// 没有需要回退的状态
	return nil
}
