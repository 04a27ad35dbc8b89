package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tobiasfamos/RopeStore/store"
)

const defaultSectorSize = 512
const defaultImageSectors = 1 << 16

func main() {
	args := os.Args[1:]
	if c := len(args); c < 1 || c > 2 {
		help()
	}

	path := args[0]
	cfg := store.DefaultConfig()
	if len(args) == 2 {
		var err error
		cfg, err = store.LoadConfig(args[1])
		if err != nil {
			abort(fmt.Sprintf("Error loading config: %v\n", err))
		}
	}

	fmt.Printf("Loading rope store from %s\n", path)
	cli, err := NewCLI(path, cfg)
	if err != nil {
		abort(fmt.Sprintf("Error loading rope store: %v\n", err))
	}

	for {
		cmd := prompt(fmt.Sprintf("Rope Store @ %s>", path))
		response, cont := cli.Handle(cmd)
		fmt.Println(response)
		if !cont {
			os.Exit(0)
		}
	}
}

func prompt(label string) string {
	var out string

	r := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, label+" ")
		out, _ = r.ReadString('\n')
		if out != "" {
			break
		}
	}

	return strings.TrimSpace(out)
}

type CLI struct {
	disk  *store.FileDisk
	store *store.Store
	rope  *store.Rope
}

func NewCLI(path string, cfg store.Config) (*CLI, error) {
	cli := CLI{}

	disk, err := store.OpenFileDisk(path, defaultSectorSize)
	if errors.Is(err, os.ErrNotExist) {
		disk, err = store.CreateFileDisk(path, defaultSectorSize, defaultImageSectors)
	}
	if err != nil {
		return &cli, err
	}
	cli.disk = disk

	s, err := store.Open(disk, cfg)
	if errors.Is(err, store.ErrDiskNotFormatted) {
		if err = store.Format(disk, cfg); err == nil {
			s, err = store.Open(disk, cfg)
		}
	}
	if err != nil {
		return &cli, err
	}
	cli.store = s

	cli.rope, err = s.Rope()
	if err != nil {
		return &cli, err
	}

	return &cli, nil
}

func (cli *CLI) Close() error {
	if err := cli.store.Commit(cli.rope); err != nil {
		return err
	}
	if err := cli.disk.Sync(); err != nil {
		return err
	}
	return cli.disk.Close()
}

func (cli *CLI) Handle(cmd string) (string, bool) {
	parts := strings.SplitN(cmd, " ", 3)

	switch parts[0] {
	case "size":
		size, err := cli.rope.Size()
		if err != nil {
			return fmt.Sprintf("Error reading size: %v", err), true
		}
		return fmt.Sprintf("%d bytes", size), true

	case "append":
		if len(parts) < 2 {
			return cli.Help(), true
		}

		data := strings.Join(parts[1:], " ")
		if err := cli.rope.Append([]byte(data)); err != nil {
			return fmt.Sprintf("Error appending: %v", err), true
		}
		return fmt.Sprintf("Appended %d bytes", len(data)), true

	case "read":
		if len(parts) != 3 {
			return cli.Help(), true
		}

		offset, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid offset %s: %v", parts[1], err), true
		}
		length, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid length %s: %v", parts[2], err), true
		}

		data, err := cli.rope.BlitToBytes(offset, length)
		if err != nil {
			return fmt.Sprintf("Error reading: %v", err), true
		}
		return fmt.Sprintf("%q", data), true

	case "write":
		if len(parts) != 3 {
			return cli.Help(), true
		}

		offset, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fmt.Sprintf("Invalid offset %s: %v", parts[1], err), true
		}

		if err := cli.rope.BlitFromString(offset, parts[2]); err != nil {
			return fmt.Sprintf("Error writing: %v", err), true
		}
		return fmt.Sprintf("Wrote %d bytes at %d", len(parts[2]), offset), true

	case "commit":
		if err := cli.store.Commit(cli.rope); err != nil {
			return fmt.Sprintf("Error committing: %v", err), true
		}
		return fmt.Sprintf("Committed generation %d", cli.store.Generation()), true

	case "verify":
		if err := cli.rope.VerifyChecksum(); err != nil {
			return fmt.Sprintf("Verification failed: %v", err), true
		}
		return "Checksums OK", true

	case "exit":
		err := cli.Close()
		if err == nil {
			return "Rope store successfully closed", false
		} else {
			return fmt.Sprintf("Error closing rope store: %v", err), false
		}
	default:
		return cli.Help(), true
	}
}

func (cli *CLI) Help() string {
	out := ""
	out += "Valid commands:\n"
	out += "\n"
	out += "\tsize\n"
	out += "\n"
	out += "\tappend <text>\n"
	out += "\tExample: append hello world\n"
	out += "\n"
	out += "\tread <offset> <length>\n"
	out += "\tExample: read 0 11\n"
	out += "\n"
	out += "\twrite <offset> <text>\n"
	out += "\tExample: write 6 there\n"
	out += "\n"
	out += "\tcommit\n"
	out += "\n"
	out += "\tverify\n"
	out += "\n"
	out += "\texit\n"

	return out
}

func help() {
	fmt.Println("Usage: ./RopeStore <disk_image> [config.properties]")
	os.Exit(2)
}

func abort(msg string) {
	fmt.Printf("Error: %s\n", msg)
	os.Exit(1)
}
