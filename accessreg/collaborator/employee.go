package collaborator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"accesssaga/accessreg"
	"accesssaga/logging"
	"accesssaga/saga"
)

// Employee 员工档案
type Employee struct {
	Document string `json:"document" yaml:"document"`
	Name     string `json:"name" yaml:"name"`
	Active   bool   `json:"active" yaml:"active"`
}

// EmployeeDirectory 按证件号索引的员工目录
type EmployeeDirectory struct {
	byDocument *xsync.MapOf[string, Employee]
}

func NewEmployeeDirectory() *EmployeeDirectory {
	return &EmployeeDirectory{byDocument: xsync.NewMapOf[string, Employee]()}
}

// Put 新增或覆盖员工
func (d *EmployeeDirectory) Put(employees ...Employee) {
	for _, e := range employees {
		d.byDocument.Store(strings.TrimSpace(e.Document), e)
	}
}

func (d *EmployeeDirectory) Get(document string) (Employee, bool) {
	return d.byDocument.Load(strings.TrimSpace(document))
}

func (d *EmployeeDirectory) Len() int {
	return d.byDocument.Size()
}

// EmployeeService 处理 validate 命令：员工必须存在且在职
type EmployeeService struct {
	directory *EmployeeDirectory
	replier   IReplier
	guard     replyGuard
	logger    logging.Logger
}

func NewEmployeeService(directory *EmployeeDirectory, replier IReplier, opts Options) *EmployeeService {
	opts = opts.withDefaults("collaborator.employee")
	return &EmployeeService{
		directory: directory,
		replier:   replier,
		guard:     newReplyGuard("employee-replies", opts),
		logger:    opts.Logger,
	}
}

// Target 服务在通道上的名称
func (s *EmployeeService) Target() string { return accessreg.EmployeeService }

func (s *EmployeeService) HandleStepCommand(ctx context.Context, cmd saga.StepCommand) error {
	if prev, ok := s.guard.lookup(cmd); ok {
		s.logger.Debug(ctx, "重复命令，重发上次结果", logging.SagaID(cmd.SagaID), logging.StepID(cmd.StepID))
		return s.replier.SendStepResult(ctx, prev)
	}
	result := s.validate(cmd)
	s.guard.remember(result)
	return s.replier.SendStepResult(ctx, result)
}

func (s *EmployeeService) validate(cmd saga.StepCommand) saga.StepResult {
	if cmd.Action != accessreg.ActionValidate {
		return rejected(cmd, ErrCodeUnsupportedAction, "employee service cannot handle %q", cmd.Action)
	}
	document := strings.TrimSpace(cmd.Field("document"))
	if document == "" {
		return rejected(cmd, ErrCodeMissingEmployeeID, "employee document is required")
	}
	emp, ok := s.directory.Get(document)
	if !ok {
		return rejected(cmd, ErrCodeEmployeeNotFound, "no employee with document %s", document)
	}
	if !emp.Active {
		return rejected(cmd, ErrCodeEmployeeInactive, "employee %s is inactive", document)
	}
	payload, _ := json.Marshal(map[string]any{"valid": true, "document": emp.Document, "name": emp.Name})
	return succeeded(cmd, payload)
}

// HandleCompensationCommand 校验步骤没有补偿动作，忽略所有补偿命令
func (s *EmployeeService) HandleCompensationCommand(context.Context, saga.CompensationCommand) error {
	return nil
}
