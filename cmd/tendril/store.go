package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/progstore"
)

const defaultDB = "tendril.db"

func storeCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("store", "put <file>... | get <id> <path> | show <id> | ls | rm <id> | stats")
	dbPath := fs.String("db", defaultDB, "Program store path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	op, rest := fs.Arg(0), fs.Args()[1:]
	cfg := progstore.DefaultConfig(*dbPath)
	switch op {
	case "ls", "show", "get", "stats":
		cfg.ReadOnly = true
	}
	store, err := progstore.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch op {
	case "put":
		if len(rest) == 0 {
			return usageError(fs)
		}
		for _, path := range rest {
			p, err := loadProgram(path)
			if err != nil {
				return err
			}
			id, err := store.Put(p)
			if err != nil {
				return err
			}
			logger.Debug("stored program", zap.String("path", path), zap.Stringer("id", id))
			fmt.Printf("%s %s\n", id, path)
		}

	case "get":
		if len(rest) != 2 {
			return usageError(fs)
		}
		p, err := getStored(store, rest[0])
		if err != nil {
			return err
		}
		return loader.Save(rest[1], p, loader.Options{Compress: true, KeepHeaders: true})

	case "show":
		if len(rest) != 1 {
			return usageError(fs)
		}
		p, err := getStored(store, rest[0])
		if err != nil {
			return err
		}
		return printProgram(p)

	case "ls":
		entries, err := store.List()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSIZE\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, e.Name, e.Size, e.Created.Local().Format(time.DateTime))
		}
		return tw.Flush()

	case "rm":
		if len(rest) == 0 {
			return usageError(fs)
		}
		for _, s := range rest {
			id, err := types.ParseHash(s)
			if err != nil {
				return fmt.Errorf("invalid program id %q: %w", s, err)
			}
			if err := store.Delete(id); err != nil {
				return err
			}
		}

	case "stats":
		stats, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("programs: %d\nsize:     %d bytes\n", stats.Programs, stats.DatabaseSize)

	default:
		fmt.Fprintf(fs.Output(), "unknown store operation %q\n", op)
		return usageError(fs)
	}
	return nil
}

func getStored(store progstore.Store, s string) (*program.Program, error) {
	id, err := types.ParseHash(s)
	if err != nil {
		return nil, fmt.Errorf("invalid program id %q: %w", s, err)
	}
	return store.Get(id)
}

func usageError(fs *flag.FlagSet) error {
	fs.Usage()
	return errUsage
}
