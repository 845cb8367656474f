package scheduler

import (
	"context"

	"github.com/blingmoon/workexec/store"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	// ErrJobInvalid 必填字段缺失, 调用方的 bug
	ErrJobInvalid = errors.New("job invalid")

	validatorUtil = validator.New()
)

// JobService job 描述, 参数, 日志的增删改查
type JobService struct {
	repo     store.JobRepo
	tx       store.TransactionService
	recorder *Recorder
}

func NewJobService(repo store.JobRepo, tx store.TransactionService, recorder *Recorder) *JobService {
	if recorder == nil {
		recorder = NewRecorder()
	}
	return &JobService{repo: repo, tx: tx, recorder: recorder}
}

func validate(po any) error {
	if err := validatorUtil.Struct(po); err != nil {
		return errors.WithMessagef(ErrJobInvalid, "%v", err)
	}
	return nil
}

func (s *JobService) CreateJobDescriptor(ctx context.Context, po *store.JobDescriptorPo) (*store.JobDescriptorPo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrJobInvalid, "nil job descriptor")
	}
	if err := validate(po); err != nil {
		return nil, err
	}
	var created *store.JobDescriptorPo
	err := s.recorder.Record(ctx, OpCreateJobDescriptor, func(ctx context.Context) error {
		var err error
		created, err = s.repo.CreateJobDescriptor(ctx, po)
		return err
	})
	return created, err
}

func (s *JobService) GetJobDescriptor(ctx context.Context, id int64) (*store.JobDescriptorPo, error) {
	return s.repo.GetJobDescriptor(ctx, id)
}

func (s *JobService) GetJobDescriptorByName(ctx context.Context, tenantID int64, jobName string) (*store.JobDescriptorPo, error) {
	return s.repo.GetJobDescriptorByName(ctx, tenantID, jobName)
}

// DeleteJobDescriptor 同时删除参数和日志
func (s *JobService) DeleteJobDescriptor(ctx context.Context, id int64) error {
	return s.recorder.Record(ctx, OpDeleteJobDescriptor, func(ctx context.Context) error {
		return s.repo.DeleteJobDescriptor(ctx, id)
	})
}

func (s *JobService) CreateJobParameters(ctx context.Context, jobDescriptorID int64, params []*store.JobParameterPo) ([]*store.JobParameterPo, error) {
	if err := prepareParameters(jobDescriptorID, params); err != nil {
		return nil, err
	}
	err := s.recorder.Record(ctx, OpCreateJobParameters, func(ctx context.Context) error {
		return s.repo.CreateJobParameters(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

// SetJobParameters 替换全部参数, params 为空时删除全部参数并返回空列表
func (s *JobService) SetJobParameters(ctx context.Context, jobDescriptorID int64, params []*store.JobParameterPo) ([]*store.JobParameterPo, error) {
	if err := prepareParameters(jobDescriptorID, params); err != nil {
		return nil, err
	}
	err := s.recorder.Record(ctx, OpSetJobParameters, func(ctx context.Context) error {
		return s.tx.ExecuteInTransaction(ctx, func(ctx context.Context) error {
			if err := s.repo.DeleteJobParameters(ctx, jobDescriptorID); err != nil {
				return err
			}
			return s.repo.CreateJobParameters(ctx, params)
		})
	})
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return []*store.JobParameterPo{}, nil
	}
	return params, nil
}

func prepareParameters(jobDescriptorID int64, params []*store.JobParameterPo) error {
	for _, p := range params {
		if p == nil {
			return errors.WithMessage(ErrJobInvalid, "nil job parameter")
		}
		p.ID = 0
		p.JobDescriptorID = jobDescriptorID
		if err := validate(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobService) GetJobParameters(ctx context.Context, jobDescriptorID int64) ([]*store.JobParameterPo, error) {
	return s.repo.GetJobParameters(ctx, jobDescriptorID)
}

func (s *JobService) CreateJobLog(ctx context.Context, po *store.JobLogPo) (*store.JobLogPo, error) {
	if po == nil {
		return nil, errors.WithMessage(ErrJobInvalid, "nil job log")
	}
	if err := validate(po); err != nil {
		return nil, err
	}
	var created *store.JobLogPo
	err := s.recorder.Record(ctx, OpCreateJobLog, func(ctx context.Context) error {
		var err error
		created, err = s.repo.CreateJobLog(ctx, po)
		return err
	})
	return created, err
}

func (s *JobService) UpdateJobLog(ctx context.Context, id int64, fields *store.UpdateJobLogField) error {
	return s.recorder.Record(ctx, OpUpdateJobLog, func(ctx context.Context) error {
		return s.repo.UpdateJobLog(ctx, id, fields)
	})
}

func (s *JobService) DeleteJobLog(ctx context.Context, id int64) error {
	return s.recorder.Record(ctx, OpDeleteJobLog, func(ctx context.Context) error {
		return s.repo.DeleteJobLog(ctx, id)
	})
}

func (s *JobService) GetJobLogs(ctx context.Context, jobDescriptorID int64) ([]*store.JobLogPo, error) {
	return s.repo.GetJobLogs(ctx, jobDescriptorID)
}
