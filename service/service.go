// Package service wires the storage, node client, lifecycle engine and
// JSON-RPC handlers into one runnable LSP daemon.
package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/flokiorg/lokilsp/config"
	"github.com/flokiorg/lokilsp/db"
	"github.com/flokiorg/lokilsp/db/migrations"
	"github.com/flokiorg/lokilsp/lnclient"
	"github.com/flokiorg/lokilsp/lnclient/lnd"
	"github.com/flokiorg/lokilsp/logger"
	"github.com/flokiorg/lokilsp/lsps/engine"
	"github.com/flokiorg/lokilsp/lsps/events"
	"github.com/flokiorg/lokilsp/lsps/funding"
	"github.com/flokiorg/lokilsp/lsps/holdinvoice"
	"github.com/flokiorg/lokilsp/lsps/lsps0"
	"github.com/flokiorg/lokilsp/lsps/lsps1"
	"github.com/flokiorg/lokilsp/lsps/persist"
	"github.com/flokiorg/lokilsp/lsps/transport"
)

type Service struct {
	cfg *config.AppConfig

	db         *gorm.DB
	lnClient   lnclient.LNClient
	store      *persist.Store
	engine     *engine.Engine
	dispatcher *lsps0.ServiceHandler
	transport  transport.Transport
	eventQueue *events.EventQueue

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewService(ctx context.Context, appConfig *config.AppConfig) (*Service, error) {
	logger.Init(appConfig.LogLevel)

	if err := os.MkdirAll(appConfig.Workdir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}
	if appConfig.LogToFile {
		if err := logger.AddFileLogger(appConfig.Workdir); err != nil {
			return nil, err
		}
	}

	// If DATABASE_URI is a URI or a path, leave it unchanged.
	// If it only contains a filename, prepend the workdir.
	if !strings.HasPrefix(appConfig.DatabaseUri, "file:") {
		databasePath, _ := filepath.Split(appConfig.DatabaseUri)
		if databasePath == "" {
			appConfig.DatabaseUri = filepath.Join(appConfig.Workdir, appConfig.DatabaseUri)
		}
	}

	gormDB, err := db.NewDB(appConfig.DatabaseUri, appConfig.LogDBQueries)
	if err != nil {
		return nil, err
	}
	if err := migrations.Migrate(gormDB); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	certHex, err := fileToHex(appConfig.LNDCertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read LND certificate: %w", err)
	}
	macaroonHex, err := fileToHex(appConfig.LNDMacaroonFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read LND macaroon: %w", err)
	}

	lnClient, err := lnd.NewLNDService(ctx, appConfig.LNDAddress, certHex, macaroonHex)
	if err != nil {
		return nil, err
	}

	chainParams, err := appConfig.ChainParams()
	if err != nil {
		return nil, err
	}

	store := persist.NewStore(gormDB)
	eventQueue := events.NewEventQueue(100)

	eng := engine.NewEngine(
		store,
		holdinvoice.NewService(lnClient),
		funding.NewService(lnClient),
		&engine.LinearFeeCalculator{
			BaseFeeSat:   appConfig.FeeBaseSat,
			OnchainPpm:   appConfig.FeeOnchainPpm,
			LiquidityPpb: appConfig.FeeLiquidityPpb,
		},
		appConfig,
		chainParams,
		eventQueue,
	)

	lndTransport := transport.NewLNDTransport(lnClient)
	dispatcher := lsps0.NewServiceHandler(lndTransport, []int{1})
	lsps1.NewServiceHandler(dispatcher, eng, appConfig)

	return &Service{
		cfg:        appConfig,
		db:         gormDB,
		lnClient:   lnClient,
		store:      store,
		engine:     eng,
		dispatcher: dispatcher,
		transport:  lndTransport,
		eventQueue: eventQueue,
	}, nil
}

// Store exposes read access for the admin API.
func (svc *Service) Store() *persist.Store {
	return svc.store
}

// LNClient exposes the node client for the admin API.
func (svc *Service) LNClient() lnclient.LNClient {
	return svc.lnClient
}

// Engine exposes the lifecycle engine for the admin API.
func (svc *Service) Engine() *engine.Engine {
	return svc.engine
}

func fileToHex(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}
