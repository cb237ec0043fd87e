package mysql

import (
	"github.com/sluicedata/sluice/pkg/adapter/registry"
	"github.com/sluicedata/sluice/pkg/config"
)

func init() {
	registry.Register(config.KindMySQL, New)
}
