// Package driver lists the capability providers capsule ships with.
package driver

import (
	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/driver/fetch"
	"github.com/VikingOwl91/capsule/internal/driver/inference"
	"github.com/VikingOwl91/capsule/internal/driver/listener"
	"github.com/VikingOwl91/capsule/internal/driver/memory"
	"github.com/VikingOwl91/capsule/internal/driver/network"
	"github.com/VikingOwl91/capsule/internal/driver/process"
	"github.com/VikingOwl91/capsule/internal/driver/storage"
)

// Factories returns a fresh factory map keyed by manifest driver type.
func Factories() map[string]capability.Factory {
	return map[string]capability.Factory{
		network.Type:   network.New,
		storage.Type:   storage.New,
		fetch.Type:     fetch.New,
		inference.Type: inference.New,
		process.Type:   process.New,
		listener.Type:  listener.New,
		memory.Type:    memory.New,
	}
}
