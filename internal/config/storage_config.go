package config

const (
	StorageBackendMemory = "memory"
	StorageBackendRedis  = "redis"
)

type StorageConfig interface {
	GetStorage() StorageSettings
}

// StorageSettings selects where session tokens and pending flows live.
type StorageSettings struct {
	Backend       string `validate:"oneof=memory redis"`
	RedisAddr     string `validate:"required_if=Backend redis,omitempty,hostname_port"`
	RedisPassword string
	RedisDB       int    `validate:"gte=0"`
	KeyPrefix     string `validate:"required"`
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetStorage() StorageSettings {
	return StorageSettings{
		Backend:       GetEnv("STORAGE_BACKEND", StorageBackendMemory),
		RedisAddr:     GetEnv("REDIS_ADDR", ""),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetEnvInt("REDIS_DB", 0),
		KeyPrefix:     GetEnv("REDIS_KEY_PREFIX", "gateway:"),
	}
}
