package collaborator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"accesssaga/accessreg"
	"accesssaga/logging"
	"accesssaga/saga"
)

// AccessRecord 一条出入记录
type AccessRecord struct {
	ID               string               `json:"id"`
	SagaID           string               `json:"sagaId"`
	StepID           string               `json:"stepId"`
	EmployeeDocument string               `json:"employeeDocument"`
	AccessType       accessreg.AccessType `json:"accessType"`
	Location         string               `json:"location,omitempty"`
	DeviceID         string               `json:"deviceId,omitempty"`
	At               time.Time            `json:"at"`
}

// AccessLedger 按员工保存的出入记录，按时间追加
type AccessLedger struct {
	mu      sync.RWMutex
	records map[string][]AccessRecord
}

func NewAccessLedger() *AccessLedger {
	return &AccessLedger{records: make(map[string][]AccessRecord)}
}

// Latest 员工最近一条记录
func (l *AccessLedger) Latest(document string) (AccessRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	recs := l.records[document]
	if len(recs) == 0 {
		return AccessRecord{}, false
	}
	return recs[len(recs)-1], true
}

// Records 员工全部记录的副本
func (l *AccessLedger) Records(document string) []AccessRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]AccessRecord(nil), l.records[document]...)
}

func (l *AccessLedger) append(r AccessRecord) {
	l.mu.Lock()
	l.records[r.EmployeeDocument] = append(l.records[r.EmployeeDocument], r)
	l.mu.Unlock()
}

// remove 删除由 (sagaId, stepId) 产生的记录
func (l *AccessLedger) remove(sagaID, stepID string) (AccessRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for doc, recs := range l.records {
		for i, r := range recs {
			if r.SagaID == sagaID && r.StepID == stepID {
				l.records[doc] = append(recs[:i:i], recs[i+1:]...)
				return r, true
			}
		}
	}
	return AccessRecord{}, false
}

// AccessControlService 处理 register 命令与 rollback_access_registration 补偿
//
// 出入必须交替：已入场不能再次 ENTRY，已离场（或从未入场）不能 EXIT。
type AccessControlService struct {
	ledger  *AccessLedger
	replier IReplier
	guard   replyGuard
	now     func() time.Time
	logger  logging.Logger

	// mu 串行化"检查规则 + 追加记录"
	mu sync.Mutex
}

func NewAccessControlService(ledger *AccessLedger, replier IReplier, opts Options) *AccessControlService {
	opts = opts.withDefaults("collaborator.access")
	return &AccessControlService{
		ledger:  ledger,
		replier: replier,
		guard:   newReplyGuard("access-replies", opts),
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

func (s *AccessControlService) Target() string { return accessreg.AccessControlService }

func (s *AccessControlService) HandleStepCommand(ctx context.Context, cmd saga.StepCommand) error {
	s.mu.Lock()
	result, dup := s.guard.lookup(cmd)
	if !dup {
		result = s.register(ctx, cmd)
		s.guard.remember(result)
	}
	s.mu.Unlock()

	if dup {
		s.logger.Debug(ctx, "重复命令，重发上次结果", logging.SagaID(cmd.SagaID), logging.StepID(cmd.StepID))
	}
	return s.replier.SendStepResult(ctx, result)
}

func (s *AccessControlService) register(ctx context.Context, cmd saga.StepCommand) saga.StepResult {
	if cmd.Action != accessreg.ActionRegister {
		return rejected(cmd, ErrCodeUnsupportedAction, "access control service cannot handle %q", cmd.Action)
	}
	document := strings.TrimSpace(cmd.Field("employeeDocument"))
	if document == "" {
		return rejected(cmd, ErrCodeMissingEmployeeID, "employee document is required to register access")
	}
	accessType := accessreg.AccessType(strings.ToUpper(cmd.Field("accessType")))
	if accessType != accessreg.AccessEntry && accessType != accessreg.AccessExit {
		return rejected(cmd, ErrCodeInvalidAccessType, "unknown access type %q", cmd.Field("accessType"))
	}

	last, hasLast := s.ledger.Latest(document)
	switch {
	case accessType == accessreg.AccessEntry && hasLast && last.AccessType == accessreg.AccessEntry:
		return rejected(cmd, ErrCodeEmployeeAlreadyEntered,
			"employee %s already entered at %s without a matching exit", document, last.At.Format(time.RFC3339))
	case accessType == accessreg.AccessExit && !hasLast:
		return rejected(cmd, ErrCodeEmployeeAlreadyLeft, "employee %s has no entry to exit from", document)
	case accessType == accessreg.AccessExit && last.AccessType == accessreg.AccessExit:
		return rejected(cmd, ErrCodeEmployeeAlreadyLeft,
			"employee %s already left at %s", document, last.At.Format(time.RFC3339))
	}

	record := AccessRecord{
		ID:               uuid.NewString(),
		SagaID:           cmd.SagaID,
		StepID:           cmd.StepID,
		EmployeeDocument: document,
		AccessType:       accessType,
		Location:         cmd.Field("location"),
		DeviceID:         cmd.Field("deviceId"),
		At:               s.now(),
	}
	s.ledger.append(record)
	s.logger.Info(ctx, "出入已登记",
		logging.SagaID(cmd.SagaID),
		logging.String("record_id", record.ID),
		logging.String("access_type", string(accessType)))

	payload, _ := json.Marshal(map[string]any{"registered": true, "recordId": record.ID})
	return succeeded(cmd, payload)
}

// HandleCompensationCommand 撤销登记；记录不存在时同样确认成功
func (s *AccessControlService) HandleCompensationCommand(ctx context.Context, cmd saga.CompensationCommand) error {
	if cmd.CompensationAction != accessreg.RollbackAccessRegistration {
		return nil
	}
	s.mu.Lock()
	record, removed := s.ledger.remove(cmd.SagaID, cmd.StepID)
	s.mu.Unlock()

	if removed {
		s.logger.Info(ctx, "出入登记已撤销", logging.SagaID(cmd.SagaID), logging.String("record_id", record.ID))
	}
	payload, _ := json.Marshal(map[string]any{"rolledBack": removed})
	return s.replier.SendCompensationResult(ctx, saga.CompensationResult{
		SagaID:             cmd.SagaID,
		StepID:             cmd.StepID,
		CompensationAction: cmd.CompensationAction,
		Outcome:            saga.OutcomeSuccess,
		ResponsePayload:    payload,
	})
}
