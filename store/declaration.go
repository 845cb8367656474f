package store

import (
	"context"
)

type ProcessInstanceRepo interface {
	CreateProcessInstance(ctx context.Context, po *ProcessInstancePo) (*ProcessInstancePo, error)
	GetProcessInstance(ctx context.Context, id int64) (*ProcessInstancePo, error)
	UpdateProcessInstanceState(ctx context.Context, id int64, state ProcessInstanceState) error
}

type FlowNodeInstanceRepo interface {
	CreateFlowNodeInstance(ctx context.Context, po *FlowNodeInstancePo) (*FlowNodeInstancePo, error)
	GetFlowNodeInstance(ctx context.Context, id int64) (*FlowNodeInstancePo, error)
	UpdateFlowNodeInstance(ctx context.Context, id int64, fields *UpdateFlowNodeInstanceField) error
	QueryFlowNodeInstancesToRestart(ctx context.Context, tenantID int64, idGreaterThan int64, limit int) ([]*FlowNodeInstancePo, error)
}

type ConnectorInstanceRepo interface {
	CreateConnectorInstance(ctx context.Context, po *ConnectorInstancePo) (*ConnectorInstancePo, error)
	GetConnectorInstance(ctx context.Context, id int64) (*ConnectorInstancePo, error)
	QueryConnectorInstances(ctx context.Context, param *QueryConnectorInstanceParams) ([]*ConnectorInstancePo, error)
	QueryConnectorInstancesToRestart(ctx context.Context, tenantID int64, idGreaterThan int64, limit int) ([]*ConnectorInstancePo, error)
	NextConnectorInstance(ctx context.Context, containerID int64, containerType ContainerType, activationEvent ActivationEvent) (*ConnectorInstancePo, error)
	UpdateConnectorInstance(ctx context.Context, id int64, fields *UpdateConnectorInstanceField) error
	ArchiveConnectorInstances(ctx context.Context, containerID int64, containerType ContainerType) (int, error)
	QueryArchivedConnectorInstances(ctx context.Context, containerID int64, containerType ContainerType) ([]*ArchivedConnectorInstancePo, error)
}

type MessageRepo interface {
	CreateMessageInstance(ctx context.Context, po *MessageInstancePo, data map[string][]byte) (*MessageInstancePo, error)
	GetMessageInstance(ctx context.Context, id int64) (*MessageInstancePo, error)
	DeleteMessageInstance(ctx context.Context, id int64) error
	UpdateMessageInstanceHandled(ctx context.Context, id int64, handled bool) error
	GetMessageData(ctx context.Context, messageInstanceID int64) ([]*MessageDataPo, error)
	DeleteMessageData(ctx context.Context, messageInstanceID int64) error
	QueryUnhandledMessageInstances(ctx context.Context, idGreaterThan int64, limit int) ([]*MessageInstancePo, error)
	ResetHandledMessageInstances(ctx context.Context) (int64, error)

	CreateWaitingMessageEvent(ctx context.Context, po *WaitingMessageEventPo) (*WaitingMessageEventPo, error)
	GetWaitingMessageEvent(ctx context.Context, id int64) (*WaitingMessageEventPo, error)
	UpdateWaitingMessageEventProgress(ctx context.Context, id int64, progress WaitingEventProgress) error
	FindFreeWaitingMessageEvent(ctx context.Context, message *MessageInstancePo) (*WaitingMessageEventPo, error)
	ResetInProgressWaitingMessageEvents(ctx context.Context) (int64, error)
}

type SignalRepo interface {
	CreateWaitingSignalEvent(ctx context.Context, po *WaitingSignalEventPo) (*WaitingSignalEventPo, error)
	GetWaitingSignalEvent(ctx context.Context, id int64) (*WaitingSignalEventPo, error)
	QueryWaitingSignalEvents(ctx context.Context, signalName string) ([]*WaitingSignalEventPo, error)
}

type DataInstanceRepo interface {
	SetDataInstance(ctx context.Context, containerID int64, containerType ContainerType, name string, value []byte) error
	GetDataInstance(ctx context.Context, containerID int64, containerType ContainerType, name string) (*DataInstancePo, error)
}

type IncidentRepo interface {
	CreateIncident(ctx context.Context, po *IncidentPo) error
	QueryIncidents(ctx context.Context, tenantID int64) ([]*IncidentPo, error)
}

type JobRepo interface {
	CreateJobDescriptor(ctx context.Context, po *JobDescriptorPo) (*JobDescriptorPo, error)
	GetJobDescriptor(ctx context.Context, id int64) (*JobDescriptorPo, error)
	GetJobDescriptorByName(ctx context.Context, tenantID int64, jobName string) (*JobDescriptorPo, error)
	DeleteJobDescriptor(ctx context.Context, id int64) error

	CreateJobParameters(ctx context.Context, pos []*JobParameterPo) error
	GetJobParameters(ctx context.Context, jobDescriptorID int64) ([]*JobParameterPo, error)
	DeleteJobParameters(ctx context.Context, jobDescriptorID int64) error

	CreateJobLog(ctx context.Context, po *JobLogPo) (*JobLogPo, error)
	UpdateJobLog(ctx context.Context, id int64, fields *UpdateJobLogField) error
	GetJobLogs(ctx context.Context, jobDescriptorID int64) ([]*JobLogPo, error)
	DeleteJobLog(ctx context.Context, id int64) error
}

var (
	_ TransactionService    = (*GormStore)(nil)
	_ ProcessInstanceRepo   = (*GormStore)(nil)
	_ FlowNodeInstanceRepo  = (*GormStore)(nil)
	_ ConnectorInstanceRepo = (*GormStore)(nil)
	_ MessageRepo           = (*GormStore)(nil)
	_ SignalRepo            = (*GormStore)(nil)
	_ DataInstanceRepo      = (*GormStore)(nil)
	_ IncidentRepo          = (*GormStore)(nil)
	_ JobRepo               = (*GormStore)(nil)
)
