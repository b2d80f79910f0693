package jobs

import "context"

// Runner は1件のジョブを実行します。Orchestrator が実装します。
type Runner interface {
	Run(ctx context.Context, jobID string)
}

// Dispatcher はジョブIDをワーカーへ渡します。
//
// 実装:
//   - Pool: プロセス内の固定数ワーカー（既定）
//   - AsynqDispatcher: Redis 上の asynq キュー
type Dispatcher interface {
	// Start はワーカーを起動します。
	Start()
	// Dispatch はジョブを投入します。受け付けられない場合は ErrQueueFull を返します。
	Dispatch(ctx context.Context, jobID string) error
	// Shutdown は新規受付を止め、実行中のジョブの終了を ctx の期限まで待ちます。
	Shutdown(ctx context.Context) error
}
