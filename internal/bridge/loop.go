package bridge

import (
	"modbus-pollbridge/internal/stack"

	"go.uber.org/zap"
)

// Task 協作式任務，在每次輪詢步驟之後執行
//
// Task 不可呼叫阻塞式的 Read/Write/Dial (回傳 ErrReentrant)，
// 也不可直接呼叫 Loop.Step。
type Task func()

type namedTask struct {
	name string
	fn   Task
}

// Loop 單執行緒協作式排程器
//
// 讀寫介面在等待期間反覆呼叫 Step，每一步都會讓堆疊派送回呼，
// 並讓已登記的任務取得執行機會。
type Loop struct {
	st     stack.Stack
	tasks  []namedTask
	inStep bool
	steps  uint64
	logger *zap.Logger
}

// NewLoop 建立排程器
func NewLoop(st stack.Stack, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{st: st, logger: logger}
}

// Go 登記一個協作式任務
func (l *Loop) Go(name string, fn Task) {
	l.tasks = append(l.tasks, namedTask{name: name, fn: fn})
	l.logger.Debug("登記協作任務", zap.String("task", name))
}

// Step 執行一次堆疊輪詢與所有任務
//
// 在回呼或任務中巢狀呼叫 Step 是程式錯誤，會 panic。
func (l *Loop) Step() {
	if l.inStep {
		panic("bridge: Loop.Step called from inside a poll step")
	}
	l.inStep = true
	defer func() { l.inStep = false }()

	l.st.Poll()
	l.steps++
	for _, t := range l.tasks {
		t.fn()
	}
}

// Busy 目前是否在輪詢步驟之內 (回呼或任務中)
func (l *Loop) Busy() bool { return l.inStep }

// Steps 已執行的步驟數
func (l *Loop) Steps() uint64 { return l.steps }
