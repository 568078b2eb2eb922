package main

import (
	"flag"
	"fmt"

	"CProject/data/database/pg"
	"CProject/global"
	"CProject/logger"
	"CProject/middleware"
	"CProject/module/chat/dispatch"
	"CProject/module/chat/handler"
	"CProject/module/chat/member"
	"CProject/module/chat/message"
	"CProject/module/chat/moderation"
	"CProject/module/chat/presence"
	"CProject/module/chat/seen"
	chatsrv "CProject/service/chat"
	"CProject/service/natsx"
	redissrv "CProject/service/storage/redis"
	"CProject/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	confPath := flag.String("conf", "config.json", "config file path")
	flag.Parse()

	if err := global.ConfigAll(*confPath); err != nil {
		logger.Errorf("[boot] config failed: %v", err)
		return
	}
	cfg := global.Get()
	rdb := redissrv.GetRedis()
	pool := pg.GetPool()
	defer pg.ClosePG()
	defer redissrv.CloseRedis()

	fanout := chatsrv.NewFanout(cfg.App.FanoutWorkers, cfg.App.FanoutQueue)
	mgr := chatsrv.NewManager(fanout)

	members := member.NewCache(member.NewRedisRdb(rdb), member.NewPGStore(pool))
	ledger := seen.NewLedger(seen.NewRedisCache(rdb), seen.NewPGStore(pool))
	router := presence.NewRouter(mgr, presence.NewRedisCache(rdb), members)

	// Message and moderation stores bind to each request's pinned
	// connection inside the dispatcher; only the shared redis handles are
	// captured here.
	msgLog := message.NewRedisLog(rdb)
	msgs := func(c dispatch.Conn) dispatch.Messages {
		return message.NewStore(message.NewPGStore(c), msgLog)
	}
	mod := func(c dispatch.Conn) dispatch.Moderation {
		return moderation.NewEngine(moderation.NewPGDB(c), members, router, mgr)
	}
	disp := dispatch.NewDispatcher(dispatch.PoolDB{Pool: pool}, members, msgs, ledger, router, mod, mgr)

	mgr.SetNotifier(router)
	if len(cfg.Nats.Servers) > 0 {
		relay, err := natsx.NewRelay(cfg.Nats)
		if err != nil {
			logger.Errorf("[boot] nats connect failed: %v", err)
			return
		}
		defer relay.Close()
		if err := relay.SubscribeRooms(mgr.HandleRelayed); err != nil {
			logger.Errorf("[boot] room subscribe failed: %v", err)
			return
		}
		mgr.SetRelay(relay)
	} else {
		logger.Warn("[boot] no nats servers configured, fanout stays node-local")
	}

	auth := security.DefaultOptions(global.GetJwtSecret())
	h := handler.New(disp)
	ws := chatsrv.NewServer(mgr)

	r := gin.New()
	r.Use(gin.Recovery())
	middleware.POST(r, "/chat/op", h.Op, middleware.RouteOpt{IsAuth: true, Auth: auth})
	middleware.GET(r, "/ws", ws.HandleWS, middleware.RouteOpt{IsAuth: true, Auth: auth})

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	logger.Infof("[boot] listening on %s", addr)
	if err := r.Run(addr); err != nil {
		logger.Errorf("[boot] server stopped: %v", err)
	}
}
