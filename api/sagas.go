package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"accesssaga/accessreg"
	"accesssaga/errors"
	"accesssaga/saga"
)

// IRegistrar 门禁登记入口（accessreg.Service）
type IRegistrar interface {
	Register(ctx context.Context, in accessreg.Input) (*saga.SagaExecution, error)
	Submit(ctx context.Context, in accessreg.Input) (*saga.SagaExecution, error)
}

// IOperator 人工恢复操作（saga.Orchestrator）
type IOperator interface {
	Resume(ctx context.Context, sagaID string) (*saga.SagaExecution, error)
	ForceCompensate(ctx context.Context, sagaID, reason string) (*saga.SagaExecution, error)
}

// SagaRoutes /sagas 路由
type SagaRoutes struct {
	registrar   IRegistrar
	operator    IOperator
	store       saga.IExecutionStore
	waitTimeout time.Duration
}

// NewSagaRoutes waitTimeout 为同步登记的最长等待时间，默认 10s
func NewSagaRoutes(registrar IRegistrar, operator IOperator, store saga.IExecutionStore, waitTimeout time.Duration) *SagaRoutes {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	return &SagaRoutes{registrar: registrar, operator: operator, store: store, waitTimeout: waitTimeout}
}

func (r *SagaRoutes) GetName() string { return "sagas" }

func (r *SagaRoutes) RegisterRoutes(group *gin.RouterGroup) {
	sagas := group.Group("/sagas")
	sagas.POST("/access-registration", r.registerAccess)
	sagas.GET("", r.list)
	sagas.GET("/stale", r.stale)
	sagas.GET("/:id", r.get)
	sagas.POST("/:id/resume", r.resume)
	sagas.POST("/:id/compensate", r.compensate)
}

// registerAccess 默认等待 Saga 结束；?wait=false 时立即返回 202
//
// 等待超时同样返回 202 与当前快照，Saga 在后台继续推进。
func (r *SagaRoutes) registerAccess(c *gin.Context) {
	var in accessreg.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		failure(c, errors.WrapError(err, errors.ErrCodeValidation, "请求体不是合法的 JSON"))
		return
	}

	if c.Query("wait") == "false" {
		exec, err := r.registrar.Submit(c.Request.Context(), in)
		if err != nil {
			failure(c, err)
			return
		}
		success(c, http.StatusAccepted, exec)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), r.waitTimeout)
	defer cancel()
	exec, err := r.registrar.Register(ctx, in)
	if err != nil {
		if exec != nil && errors.IsErrorCode(err, errors.ErrCodeTimeout) {
			success(c, http.StatusAccepted, exec)
			return
		}
		failure(c, err)
		return
	}
	success(c, http.StatusOK, exec)
}

func (r *SagaRoutes) get(c *gin.Context) {
	exec, err := r.store.FindBySagaID(c.Request.Context(), c.Param("id"))
	if err != nil {
		failure(c, err)
		return
	}
	success(c, http.StatusOK, exec)
}

// list 支持 state（逗号分隔）、type、createdAfter（RFC3339）、limit
func (r *SagaRoutes) list(c *gin.Context) {
	query := saga.Query{SagaType: c.Query("type")}
	states, err := parseStates(c.Query("state"))
	if err != nil {
		failure(c, err)
		return
	}
	query.States = states
	if v := c.Query("createdAfter"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			failure(c, errors.NewErrorf(errors.ErrCodeValidation, "createdAfter 必须是 RFC3339 时间: %s", v))
			return
		}
		query.CreatedAfter = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			failure(c, errors.NewErrorf(errors.ErrCodeValidation, "limit 必须是非负整数: %s", v))
			return
		}
		query.Limit = n
	}

	execs, err := r.store.Find(c.Request.Context(), query)
	if err != nil {
		failure(c, err)
		return
	}
	success(c, http.StatusOK, nonNil(execs))
}

// stale ?state=IN_PROGRESS&olderThan=5m
func (r *SagaRoutes) stale(c *gin.Context) {
	state, err := saga.ParseSagaState(c.DefaultQuery("state", string(saga.StateInProgress)))
	if err != nil {
		failure(c, err)
		return
	}
	olderThan, err := time.ParseDuration(c.DefaultQuery("olderThan", "5m"))
	if err != nil || olderThan < 0 {
		failure(c, errors.NewErrorf(errors.ErrCodeValidation, "olderThan 必须是时长，例如 30s、5m: %s", c.Query("olderThan")))
		return
	}
	execs, err := r.store.FindStale(c.Request.Context(), state, olderThan)
	if err != nil {
		failure(c, err)
		return
	}
	success(c, http.StatusOK, nonNil(execs))
}

func (r *SagaRoutes) resume(c *gin.Context) {
	exec, err := r.operator.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		failure(c, err)
		return
	}
	success(c, http.StatusOK, exec)
}

type compensateRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

func (r *SagaRoutes) compensate(c *gin.Context) {
	var req compensateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			failure(c, errors.WrapError(err, errors.ErrCodeValidation, "请求体不合法"))
			return
		}
	}
	exec, err := r.operator.ForceCompensate(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		failure(c, err)
		return
	}
	success(c, http.StatusOK, exec)
}

func parseStates(v string) ([]saga.SagaState, error) {
	if v == "" {
		return nil, nil
	}
	var states []saga.SagaState
	for _, part := range strings.Split(v, ",") {
		st, err := saga.ParseSagaState(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func nonNil(execs []*saga.SagaExecution) []*saga.SagaExecution {
	if execs == nil {
		return []*saga.SagaExecution{}
	}
	return execs
}
