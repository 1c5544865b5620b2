// Package server 定义 sagad 进程的生命周期契约与启动引擎
package server

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"accesssaga/errors"
	"accesssaga/logging"
)

// IServer 进程必须实现的生命周期步骤
//
// Engine 按 LoadConfig → SetupDependencies → StartBackgroundTasks → Run 的顺序调用，
// 收到信号、ctx 结束或 Run 返回后调用 Shutdown。
type IServer interface {
	Name() string

	// LoadConfig 解析配置文件与环境变量
	LoadConfig() error

	// SetupDependencies 建立存储、传输、编排器等依赖，受 StartupTimeout 约束
	SetupDependencies(ctx context.Context) error

	// StartBackgroundTasks 启动非阻塞任务（消息消费、恢复巡检），ctx 在关闭时取消
	StartBackgroundTasks(ctx context.Context) error

	// Run 阻塞运行主服务，ctx 取消后应尽快返回
	Run(ctx context.Context) error

	// Shutdown 释放资源，受 ShutdownTimeout 约束
	Shutdown(ctx context.Context) error
}

// Engine 编排 IServer 的启动与优雅关闭
type Engine struct {
	server  IServer
	options *Options
	logger  logging.Logger
	state   atomic.Int32
	signals []os.Signal
}

// NewEngine 创建启动引擎，server.Name() 非空时作为默认名称
func NewEngine(server IServer, opts ...Option) *Engine {
	options := DefaultOptions()
	if name := server.Name(); name != "" {
		options.Name = name
	}
	for _, o := range opts {
		o(options)
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.ComponentLogger("server")
	}
	return &Engine{
		server:  server,
		options: options,
		logger:  logger.WithFields(logging.String("service", options.Name)),
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// State 当前引擎状态
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) fail(err error, code errors.ErrorCode, msg string) error {
	e.setState(StateError)
	return errors.WrapError(err, code, msg)
}

// Start 执行完整生命周期，阻塞直到服务退出
//
// parent 取消与收到 SIGINT/SIGTERM 等价，都会触发优雅关闭。
func (e *Engine) Start(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, e.signals...)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.logger.Info(ctx, "服务启动中", logging.String("version", e.options.Version))

	e.setState(StateInitializing)
	if err := e.server.LoadConfig(); err != nil {
		return e.fail(err, errors.ErrCodeInvalidInput, "加载配置失败")
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	err := e.server.SetupDependencies(setupCtx)
	setupCancel()
	if err != nil {
		return e.fail(err, errors.ErrCodeInternal, "初始化依赖失败")
	}
	e.setState(StatePrepared)

	for _, hook := range e.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			_ = e.shutdown()
			return e.fail(err, errors.ErrCodeInternal, "启动前回调失败")
		}
	}

	if err := e.server.StartBackgroundTasks(ctx); err != nil {
		cancel()
		_ = e.shutdown()
		return e.fail(err, errors.ErrCodeInternal, "启动后台任务失败")
	}

	e.setState(StateRunning)
	runErr := make(chan error, 1)
	go func() {
		runErr <- e.server.Run(ctx)
	}()

	for _, hook := range e.options.OnAfterStart {
		if err := hook(ctx); err != nil {
			e.logger.Warn(ctx, "启动后回调失败", logging.Error(err))
		}
	}

	var exitErr error
	select {
	case err := <-runErr:
		if err != nil {
			e.logger.Error(ctx, "服务异常退出", logging.Error(err))
			exitErr = err
		} else {
			e.logger.Info(ctx, "服务已退出")
		}
	case <-ctx.Done():
		e.logger.Info(context.Background(), "收到停止信号")
	}
	cancel()

	if err := e.shutdown(); err != nil {
		return e.fail(err, errors.ErrCodeInternal, "关闭服务失败")
	}
	if exitErr != nil {
		return e.fail(exitErr, errors.ErrCodeInternal, "服务运行失败")
	}
	e.setState(StateStopped)
	e.logger.Info(context.Background(), "服务已停止")
	return nil
}

func (e *Engine) shutdown() error {
	e.setState(StateStopping)
	ctx, cancel := context.WithTimeout(context.Background(), e.options.ShutdownTimeout)
	defer cancel()

	for _, hook := range e.options.OnBeforeStop {
		if err := hook(ctx); err != nil {
			e.logger.Warn(ctx, "停止前回调失败", logging.Error(err))
		}
	}
	if err := e.server.Shutdown(ctx); err != nil {
		return err
	}
	for _, hook := range e.options.OnAfterStop {
		if err := hook(ctx); err != nil {
			e.logger.Warn(ctx, "停止后回调失败", logging.Error(err))
		}
	}
	return nil
}
