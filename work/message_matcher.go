package work

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blingmoon/workexec/store"
)

// MessageMatcher 把未处理的消息和空闲的等待事件一一配对, 每一对注册一个耦合 work
type MessageMatcher struct {
	tx        store.TransactionService
	messages  store.MessageRepo
	works     Registrar
	batchSize int
}

func NewMessageMatcher(tx store.TransactionService, messages store.MessageRepo, works Registrar, batchSize int) *MessageMatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &MessageMatcher{tx: tx, messages: messages, works: works, batchSize: batchSize}
}

// Match 按 id 翻页遍历全部未处理的消息, 每页一个事务, 返回配对成功的数量
// 没有空闲等待事件的消息留在原处, 不影响后面的消息
func (m *MessageMatcher) Match(ctx context.Context) (int, error) {
	matched := 0
	var lastID int64
	for {
		size, n, err := m.matchPage(ctx, &lastID)
		if err != nil {
			return matched, err
		}
		matched += n
		if size < m.batchSize {
			break
		}
	}
	if matched > 0 {
		slog.DebugContext(ctx, fmt.Sprintf("[MessageMatcher.Match] matched %d messages", matched))
	}
	return matched, nil
}

func (m *MessageMatcher) matchPage(ctx context.Context, lastID *int64) (size int, matched int, err error) {
	cursor := *lastID
	err = m.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		messages, err := m.messages.QueryUnhandledMessageInstances(ctx, cursor, m.batchSize)
		if err != nil {
			return err
		}
		size = len(messages)
		for _, message := range messages {
			cursor = message.ID
			waiting, err := m.messages.FindFreeWaitingMessageEvent(ctx, message)
			if err != nil {
				return err
			}
			if waiting == nil {
				continue
			}
			if err := m.messages.UpdateWaitingMessageEventProgress(ctx, waiting.ID, store.WaitingEventInProgress); err != nil {
				return err
			}
			if err := m.messages.UpdateMessageInstanceHandled(ctx, message.ID, true); err != nil {
				return err
			}
			d := NewExecuteMessageCoupleWorkDescriptor(waiting.ProcessDefinitionID, message.ID, waiting.ID,
				waiting.ParentProcessInstanceID, waiting.RootProcessInstanceID)
			if err := m.works.RegisterWork(ctx, d); err != nil {
				return err
			}
			matched++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	*lastID = cursor
	return size, matched, nil
}
