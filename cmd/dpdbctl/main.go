// Command dpdbctl is a small operator tool over a dpdb instance: an
// interactive shell for ad-hoc get/put/delete/keys, and a compact
// subcommand that copies top-level scalar keys into a new file through
// the public dpdb API only (a key holding a nested collection makes it
// fail with a TypeMismatch error), grounded on dbm/crash/main.go's use of flag parsing and a
// log.Logger driving a long-lived instance.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cznic/dpdb/dpdb"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "dpdbctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dpdbctl <shell|compact> ...")
	}

	switch args[0] {
	case "shell":
		return runShell(args[1:])
	case "compact":
		return runCompact(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runShell(args []string) error {
	fs := pflag.NewFlagSet("shell", pflag.ExitOnError)
	file := fs.StringP("file", "f", "", "path to the dpdb file")
	create := fs.Bool("create", false, "create the file if it doesn't exist")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	opts := dpdb.Options{File: *file, Logger: zap.NewNop()}
	db, err := open(opts, *create)
	if err != nil {
		return err
	}
	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("dpdb> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(input)

		if err := dispatch(db, input); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func open(opts dpdb.Options, create bool) (*dpdb.DB, error) {
	db, err := dpdb.Open(opts)
	if err == nil {
		return db, nil
	}
	if !create {
		return nil, err
	}
	return dpdb.Create(opts)
}

func dispatch(db *dpdb.DB, line string) error {
	fields := splitFields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		v, found, err := db.Read([]byte(fields[1]))
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Printf("%s\n", v)
		return nil

	case "put":
		if len(fields) != 3 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		return db.Write([]byte(fields[1]), []byte(fields[2]))

	case "delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete <key>")
		}
		existed, err := db.Delete([]byte(fields[1]))
		if err != nil {
			return err
		}
		fmt.Println("existed:", existed)
		return nil

	case "keys":
		key, found, err := db.FirstKey()
		for found && err == nil {
			fmt.Printf("%s\n", key)
			key, found, err = db.NextKey(key)
		}
		return err

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func splitFields(s string) []string {
	var out []string
	var cur []byte
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, s[i])
	}
	return out
}

func runCompact(args []string) error {
	fs := pflag.NewFlagSet("compact", pflag.ExitOnError)
	src := fs.StringP("src", "s", "", "source dpdb file")
	dst := fs.StringP("dst", "d", "", "destination dpdb file (must not exist)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *src == "" || *dst == "" {
		return fmt.Errorf("-src and -dst are required")
	}

	srcDB, err := dpdb.Open(dpdb.Options{File: *src, Logger: zap.NewNop()})
	if err != nil {
		return err
	}
	defer srcDB.Close()

	dstDB, err := dpdb.Create(dpdb.Options{File: *dst, Logger: zap.NewNop()})
	if err != nil {
		return err
	}
	defer dstDB.Close()

	key, found, err := srcDB.FirstKey()
	n := 0
	for found && err == nil {
		var value []byte
		value, _, err = srcDB.Read(key)
		if err != nil {
			return err
		}
		if err = dstDB.Write(key, value); err != nil {
			return err
		}
		n++
		key, found, err = srcDB.NextKey(key)
	}
	if err != nil {
		return err
	}

	fmt.Printf("compacted %d keys into %s\n", n, *dst)
	return nil
}
