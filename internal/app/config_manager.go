package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/toughgate/internal/domain"
	"go.uber.org/zap"
)

const configCacheTTL = 30 * time.Second

type cachedValue struct {
	value    string
	loadedAt time.Time
}

// ConfigManager reads runtime-tunable settings stored in sys_config rows,
// caching values for a short TTL to keep hot paths off the database.
type ConfigManager struct {
	app   DBProvider
	mu    sync.RWMutex
	cache map[string]cachedValue
}

func NewConfigManager(app DBProvider) *ConfigManager {
	return &ConfigManager{app: app, cache: make(map[string]cachedValue)}
}

func (m *ConfigManager) get(category, name string) string {
	key := category + "." + name
	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok && time.Since(cached.loadedAt) < configCacheTTL {
		return cached.value
	}

	var cfg domain.SysConfig
	err := m.app.DB().Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		zap.L().Debug("config value not found", zap.String("key", key))
		return ""
	}

	m.mu.Lock()
	m.cache[key] = cachedValue{value: cfg.Value, loadedAt: time.Now()}
	m.mu.Unlock()
	return cfg.Value
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.get(category, name)
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.get(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.get(category, name))
}

// SetValue updates a setting and invalidates the cached entry.
func (m *ConfigManager) SetValue(category, name, value string) error {
	err := m.app.DB().Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, name).
		Update("value", value).Error
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, category+"."+name)
	m.mu.Unlock()
	return nil
}
