package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Sources is where the proxy found its startup configuration, resolved
// before the Config struct's own JSON load/hot-update contract takes over.
type Sources struct {
	ConfigFile string
	RedisAddr  string
	RedisDB    int
	Port       int
}

// Discover resolves the config file path and Redis DSN from, in priority
// order, command-line flags (if bound by the caller), environment
// variables (ANTIGRAVITY_PROXY_*), and a discovered config file
// (antigravity-proxy.{yaml,json,toml} in the working directory or
// ~/.config/antigravity-proxy/). It never touches the Config struct itself
// — config.Load still owns parsing the resolved file's contents.
func Discover() Sources {
	v := viper.New()
	v.SetEnvPrefix("ANTIGRAVITY_PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("antigravity-proxy")
	v.AddConfigPath(".")
	v.AddConfigPath(configDir)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("port", 8080)

	_ = v.ReadInConfig() // absence of a discovery file is not an error; env/defaults still apply

	return Sources{
		ConfigFile: v.ConfigFileUsed(),
		RedisAddr:  v.GetString("redis_addr"),
		RedisDB:    v.GetInt("redis_db"),
		Port:       v.GetInt("port"),
	}
}
