package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/trackex/config"
	"github.com/dhcgn/trackex/imap"
	"github.com/dhcgn/trackex/mbox"
	"github.com/dhcgn/trackex/store"
	"github.com/dhcgn/trackex/store/sqlite"
)

// OpenStore connects the tracking store backend cfg selects.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite, "":
		s, err := sqlite.Open(ctx, cfg.StoreSettings(), logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite.Open: %w", err)
		}
		return s, nil
	case config.StoreMbox:
		s, err := mbox.NewStore(mbox.Options{Path: cfg.MboxPath}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.NewStore: %w", err)
		}
		return s, nil
	case config.StoreIMAP:
		s, err := imap.NewStore(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.NewStore: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
