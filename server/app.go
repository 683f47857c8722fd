package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebin/config"
	"rebin/internal/db"
	"rebin/internal/devcomm"
	"rebin/internal/devices"
	"rebin/internal/health"
	"rebin/internal/logs"
	"rebin/internal/middleware"
	"rebin/internal/models"
	"rebin/internal/repo"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	store  devcomm.Store
	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД (опционально; без БД — in-memory режим для стендов)
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
		if err := a.db.AutoMigrate(
			&models.Device{},
			&models.DeviceCameraImage{},
		); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	// 3) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	// 4) Health маршруты
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz и /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	// 5) Протокольный контур: регистр соединений + сервис + транспорты
	if a.db != nil {
		a.store = repo.NewDeviceStore(a.db)
	} else {
		a.store = devcomm.NewMemStore()
	}
	registry := devcomm.NewRegistry()
	svc := devcomm.NewService(a.store, registry)

	devHTTP := devcomm.NewHTTP(svc, devcomm.PollLimits{
		Default: a.cfg.Device.PollTimeoutDefault,
		Min:     a.cfg.Device.PollTimeoutMin,
		Max:     a.cfg.Device.PollTimeoutMax,
	})
	devHTTP.RegisterRoutes(a.Router)

	// 6) Операторский реестр устройств (только при подключённой БД)
	if a.db != nil {
		opsHTTP := devices.NewHTTP(repo.NewDeviceStore(a.db))
		opsHTTP.RegisterRoutes(a.Router)
	}

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	// фоновая уборка: протухший пульс → офлайн
	if a.db != nil {
		go a.sweepStaleDevices()
	}

	a.httpServer = &http.Server{
		Addr:        bind,
		Handler:     a.Router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout с запасом над максимальным длинным опросом,
		// иначе сервер оборвёт висящий /listen
		WriteTimeout: time.Duration(a.cfg.Device.PollTimeoutMax+30) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

func (a *App) sweepStaleDevices() {
	after := time.Duration(a.cfg.Device.OfflineAfterMinutes) * time.Minute
	if after <= 0 {
		return
	}
	ds := repo.NewDeviceStore(a.db)
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			n, err := ds.MarkStaleOffline(after)
			if err != nil {
				logs.Logger.Warnf("stale sweep: %v", err)
			} else if n > 0 {
				logs.Logger.Infof("stale sweep: %d device(s) marked offline", n)
			}
		}
	}
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
