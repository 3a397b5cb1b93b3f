// Package config loads the host-level JSON file and every per-guest JSON
// file in the config directory into an immutable guestmodel.Fleet (spec
// section 4.2). Parsing itself is mechanical (spec section 1 non-goal);
// the work this package owns is validation, defaulting, bootpriority
// ordering, and role-table construction.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fvbommel/sortorder"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agl/container-manager/internal/cmerr"
	"github.com/agl/container-manager/internal/guestmodel"
	"github.com/agl/container-manager/internal/logging"
)

// Loaded bundles the parsed host file with the guest fleet it produced.
type Loaded struct {
	Host  HostFile
	Fleet *guestmodel.Fleet
}

// Load reads hostFile and every "*.json" file in configDir (other than
// hostFile itself) and returns the assembled fleet (spec section 4.2).
//
// A missing mandatory field aborts only that guest (spec section 7, item
// 1); a directory with zero valid guests aborts startup entirely.
func Load(log *logrus.Logger, hostFile, configDir string) (*Loaded, error) {
	hostBytes, err := os.ReadFile(hostFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading host file: %w", cmerr.ErrConfigInvalid, err)
	}

	var host HostFile
	if err := json.Unmarshal(hostBytes, &host); err != nil {
		return nil, fmt.Errorf("%w: parsing host file: %w", cmerr.ErrConfigInvalid, err)
	}

	if configDir == "" {
		configDir = host.ConfigDir
	}

	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config dir %q: %w", cmerr.ErrConfigInvalid, configDir, err)
	}

	hostAbs, err := filepath.Abs(hostFile)
	if err != nil {
		hostAbs = hostFile
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}

		p := filepath.Join(configDir, e.Name())
		if abs, err := filepath.Abs(p); err == nil && abs == hostAbs {
			continue
		}

		paths = append(paths, p)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: config dir %q has no guest files", cmerr.ErrConfigInvalid, configDir)
	}

	configs := make([]*guestmodel.GuestConfig, len(paths))

	var g errgroup.Group
	g.SetLimit(guestmodel.MaxGuests)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			cfg, err := parseGuestFile(p)
			if err != nil {
				log.WithError(err).WithField("file", p).Warn("skipping guest: invalid config")
				return nil // skip, not fatal (spec section 7 item 1)
			}

			configs[i] = cfg
			return nil
		})
	}

	_ = g.Wait() // parseGuestFile errors are swallowed per-guest above; Wait never returns non-nil here

	var guests []*guestmodel.Guest
	for _, cfg := range configs {
		if cfg != nil {
			guests = append(guests, guestmodel.NewGuest(cfg))
		}
	}

	if len(guests) == 0 {
		return nil, fmt.Errorf("%w: no valid guests in %q", cmerr.ErrConfigInvalid, configDir)
	}

	if len(guests) > guestmodel.MaxGuests {
		logging.CriticalInfo(log, logrus.Fields{"configdir": configDir}, "config dir has %d guests, max is %d; ignoring the rest", len(guests), guestmodel.MaxGuests)
	}

	sort.SliceStable(guests, func(i, j int) bool {
		if guests[i].Config.BootPriority != guests[j].Config.BootPriority {
			return guests[i].Config.BootPriority < guests[j].Config.BootPriority
		}

		return sortorder.NaturalLess(guests[i].Name(), guests[j].Name())
	})

	fleet, err := guestmodel.NewFleet(guests)
	if err != nil {
		return nil, err
	}

	return &Loaded{Host: host, Fleet: fleet}, nil
}

func parseGuestFile(path string) (*guestmodel.GuestConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cmerr.ErrConfigInvalid, err)
	}

	var gf guestFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return nil, fmt.Errorf("%w: %w", cmerr.ErrConfigInvalid, err)
	}

	return gf.toGuestConfig()
}
