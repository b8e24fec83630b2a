package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mirovik/dogebot/internal/domain"
	"github.com/mirovik/dogebot/internal/trailing"
	"github.com/mirovik/dogebot/pkg/persistence"
	"github.com/mirovik/dogebot/pkg/throttle"
)

var statusLog = logrus.WithField("module", "status")

// Server 只读状态服务。
//
// 限流统计和冻结列表直接从内存读（两者各自有锁保护）；
// 持仓和离场状态从快照文件读，读到的是最终一致的视图，
// 不保证与主循环的内存状态逐字节同步。
type Server struct {
	pair     string
	throttle *throttle.RequestThrottle
	halted   func() []string

	positions *persistence.SnapshotStore
	trailing  *persistence.SnapshotStore
}

// Options 状态服务依赖
type Options struct {
	Pair          string
	Throttle      *throttle.RequestThrottle
	Halted        func() []string // 当前被冻结的币种，nil 表示无来源
	PositionsPath string
	TrailingPath  string
}

// New 创建状态服务
func New(opts Options) *Server {
	s := &Server{
		pair:      opts.Pair,
		throttle:  opts.Throttle,
		halted:    opts.Halted,
		positions: persistence.NewSnapshotStore(opts.PositionsPath),
		trailing:  persistence.NewSnapshotStore(opts.TrailingPath),
	}
	if s.halted == nil {
		s.halted = func() []string { return nil }
	}
	return s
}

// positionsSnapshot 账本快照的文件结构（只读镜像）
type positionsSnapshot struct {
	Version   string                      `json:"version"`
	Timestamp time.Time                   `json:"timestamp"`
	Positions map[string]*domain.Position `json:"positions"`
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/status", s.handleStatus)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"pair":     s.pair,
		"time":     time.Now(),
		"throttle": s.throttle.Stats(),
		"halted":   s.halted(),
	}

	var posSnap positionsSnapshot
	switch err := s.positions.Load(&posSnap); err {
	case nil:
		resp["positions"] = posSnap.Positions
		resp["positions_updated_at"] = posSnap.Timestamp
	case persistence.ErrNotExists:
		resp["positions"] = map[string]*domain.Position{}
	default:
		statusLog.Warnf("read positions snapshot: %v", err)
		resp["positions_error"] = err.Error()
	}

	var trail map[string]*trailing.State
	switch err := s.trailing.Load(&trail); err {
	case nil:
		resp["trailing"] = trail
	case persistence.ErrNotExists:
		resp["trailing"] = map[string]*trailing.State{}
	default:
		statusLog.Warnf("read trailing snapshot: %v", err)
		resp["trailing_error"] = err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

// StartAsync 启动状态服务（非阻塞），ctx 取消时优雅关闭
func (s *Server) StartAsync(ctx context.Context, listenAddr string) (*http.Server, error) {
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: s.Router(),
	}

	go func() {
		statusLog.Infof("status server listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			statusLog.Errorf("status server: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, nil
}
