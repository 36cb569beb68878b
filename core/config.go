package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env             string `yaml:"env" env:"ENV" env-default:"local"`
	TelegramApiKey  string `yaml:"telegram_api_key" env:"TELEGRAM_API_KEY" env-default:""`
	BotUsername     string `yaml:"bot_username" env:"BOT_USERNAME" env-default:""`
	AdminTelegramId int64  `yaml:"admin_telegram_id" env:"ADMIN_TELEGRAM_ID" env-default:"0"`
	Api             struct {
		BaseUrl          string `yaml:"base_url" env:"API_BASE_URL" env-default:"http://localhost:3000"`
		TrainEndpoint    string `yaml:"train_endpoint" env-default:"/api/bot/train-model"`
		GenerateEndpoint string `yaml:"generate_endpoint" env-default:"/api/bot/generate"`
		TimeoutSeconds   int    `yaml:"timeout_seconds" env-default:"60"`
	} `yaml:"api"`
	Webhook struct {
		Listen string `yaml:"listen" env:"WEBHOOK_LISTEN" env-default:":8080"`
		Path   string `yaml:"path" env-default:"/webhook/status"`
		Secret string `yaml:"secret" env:"WEBHOOK_SECRET" env-default:""`
	} `yaml:"webhook"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"127.0.0.1"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:"admin"`
		Password string `yaml:"password" env-default:"pass"`
		Database string `yaml:"database" env-default:""`
	} `yaml:"mongo"`
	Media struct {
		DebounceMs int `yaml:"debounce_ms" env-default:"1500"`
		MaxPhotos  int `yaml:"max_photos" env-default:"10"`
	} `yaml:"media"`
	Submit struct {
		MaxAttempts int `yaml:"max_attempts" env-default:"3"`
		BackoffMs   int `yaml:"backoff_ms" env-default:"500"`
	} `yaml:"submit"`
	Sweep struct {
		Schedule    string `yaml:"schedule" env-default:"@every 10m"`
		GroupTtlMin int    `yaml:"group_ttl_min" env-default:"30"`
		JobTtlHours int    `yaml:"job_ttl_hours" env-default:"24"`
	} `yaml:"sweep"`
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Media.DebounceMs) * time.Millisecond
}

func (c *Config) SubmitBackoff() time.Duration {
	return time.Duration(c.Submit.BackoffMs) * time.Millisecond
}

func (c *Config) ApiTimeout() time.Duration {
	return time.Duration(c.Api.TimeoutSeconds) * time.Second
}

var instance *Config
var once sync.Once

func GetConfig(path string) (*Config, error) {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
		}
	})
	return instance, err
}

func MustLoad(path string) *Config {
	conf, err := GetConfig(path)
	if err != nil {
		panic(err)
	}
	return conf
}
