package work

import (
	"fmt"

	"github.com/blingmoon/workexec/lock"
	"github.com/pkg/errors"
)

var (
	// ErrPrecondition 状态已经被别人推进了, 不重试, debug 日志
	ErrPrecondition = errors.New("precondition not met")
	// ErrConnectorExecution 连接器调用或者输出映射失败, 由 FailAction 处理
	ErrConnectorExecution = errors.New("connector execution failed")
	// ErrSchedulingInfrastructure 孤儿 trigger/descriptor, 自愈并且 warn
	ErrSchedulingInfrastructure = errors.New("scheduling infrastructure error")
	// ErrRecoveryFailure handleFailure 本身失败, 升级成 incident
	ErrRecoveryFailure = errors.New("recovery failure")
	// ErrConfiguration 非法的 Descriptor, 生产者的 bug, 不重试
	ErrConfiguration = errors.New("work configuration error")

	ErrExtensionAlreadyRegistered = errors.New("work extension already registered")
	ErrExecutorFull               = errors.New("work executor queue full")
	ErrExecutorClosed             = errors.New("work executor closed")
)

type PreconditionError struct {
	msg string
}

func NewPreconditionError(format string, args ...any) *PreconditionError {
	return &PreconditionError{msg: fmt.Sprintf(format, args...)}
}

func (e *PreconditionError) Error() string {
	return e.msg
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// ConnectorExecutionError 保留原始错误作为 cause
type ConnectorExecutionError struct {
	ConnectorInstanceID int64
	ConnectorName       string
	msg                 string
	cause               error
}

func NewConnectorExecutionError(connectorInstanceID int64, connectorName string, msg string, cause error) *ConnectorExecutionError {
	return &ConnectorExecutionError{
		ConnectorInstanceID: connectorInstanceID,
		ConnectorName:       connectorName,
		msg:                 msg,
		cause:               cause,
	}
}

func (e *ConnectorExecutionError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("connector %s(%d): %s", e.ConnectorName, e.ConnectorInstanceID, e.msg)
	}
	return fmt.Sprintf("connector %s(%d): %s: %v", e.ConnectorName, e.ConnectorInstanceID, e.msg, e.cause)
}

func (e *ConnectorExecutionError) Is(target error) bool {
	return target == ErrConnectorExecution
}

func (e *ConnectorExecutionError) Unwrap() error {
	return e.cause
}

func (e *ConnectorExecutionError) Cause() error {
	return e.cause
}

type ConfigurationError struct {
	msg string
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return e.msg
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// RecoveryFailureError handleFailure 失败, Original 是 work 本身的错误
type RecoveryFailureError struct {
	Original error
	cause    error
}

func (e *RecoveryFailureError) Error() string {
	return fmt.Sprintf("handle failure failed: %v, original failure: %v", e.cause, e.Original)
}

func (e *RecoveryFailureError) Is(target error) bool {
	return target == ErrRecoveryFailure
}

func (e *RecoveryFailureError) Unwrap() error {
	return e.cause
}

// IsSeriousError 用于选择 error 还是 warn 级别的日志
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPrecondition) || errors.Is(err, lock.ErrLockFailed) || errors.Is(err, ErrSchedulingInfrastructure) {
		return false
	}
	return true
}
