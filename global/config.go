package global

import (
	"encoding/json"
	"os"

	"CProject/data/database/pg"
	"CProject/logger"
	"CProject/service/natsx"
	redis "CProject/service/storage/redis"
	"CProject/tools/decode"
	"CProject/tools/errs"
	"CProject/tools/ids"
)

// AppConfig is the gateway node's own settings; storage endpoints live in
// their section structs.
type AppConfig struct {
	NodeID    int64  `mapstructure:"node_id"`
	Port      int    `mapstructure:"port"`
	JwtSecret string `mapstructure:"jwt_secret"`

	FanoutWorkers int `mapstructure:"fanout_workers"`
	FanoutQueue   int `mapstructure:"fanout_queue"`
}

type Config struct {
	App   AppConfig    `mapstructure:"app"`
	Redis redis.Config `mapstructure:"redis"`
	PG    pg.Config    `mapstructure:"postgres"`
	Nats  natsx.Config `mapstructure:"nats"`
}

var conf Config

func Get() *Config { return &conf }

func GetJwtSecret() []byte { return []byte(conf.App.JwtSecret) }

// ConfigAll loads the config file and brings up the shared clients, in
// dependency order. Fatal on any failure: a half-configured node must not
// serve.
func ConfigAll(path string) error {
	if err := load(path); err != nil {
		return err
	}
	ids.SetNodeID(conf.App.NodeID)

	if err := redis.InitRedis(conf.Redis); err != nil {
		return errs.ErrInternal.WrapMsg("redis init", "err", err)
	}
	if err := pg.InitPG(conf.PG); err != nil {
		return errs.ErrInternal.WrapMsg("postgres init", "err", err)
	}
	logger.Infof("[config] node=%d port=%d redis=%s", conf.App.NodeID, conf.App.Port, conf.Redis.Addr)
	return nil
}

func load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.ErrInternal.WrapMsg("config read", "path", path, "err", err)
	}
	var sections map[string]any
	if err := json.Unmarshal(raw, &sections); err != nil {
		return errs.ErrInternal.WrapMsg("config parse", "err", err)
	}
	if err := decode.Decode(sections, &conf); err != nil {
		return errs.ErrInternal.WrapMsg("config decode", "err", err)
	}
	if conf.App.NodeID == 0 {
		conf.App.NodeID = 1
	}
	if conf.App.Port == 0 {
		conf.App.Port = 8080
	}
	if conf.App.FanoutWorkers == 0 {
		conf.App.FanoutWorkers = 8
	}
	if conf.App.FanoutQueue == 0 {
		conf.App.FanoutQueue = 1024
	}
	return nil
}
