// Command bellandefs drives the block filesystem: it formats a backing
// device and runs file and directory operations against it.
//
// Every invocation has the shape
//
//	bellandefs --device <path> <verb> [--path <abs>]
//
// Each verb opens the device, does its work, flushes, and exits; there
// is no persistent mount state.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/alloc"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/dir"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/fs"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/super"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

func main() {
	app := &cli.App{
		Name:  "bellandefs",
		Usage: "format and drive a Bellande block filesystem on a raw device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "device",
				Usage:    "path to the backing device (regular or block special file)",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:  "debug",
				Usage: "debug verbosity",
			},
		},
		Before: func(ctx *cli.Context) error {
			util.Debug = ctx.Uint64("debug")
			return nil
		},
		Commands: []*cli.Command{{
			Name:  "format",
			Usage: "write a fresh filesystem over the device",
			Action: withDevice(func(d disk.Disk, ctx *cli.Context) error {
				if _, err := fs.Format(d); err != nil {
					return err
				}
				fmt.Println("Device formatted successfully")
				return nil
			}),
		}, {
			Name:  "create",
			Usage: "create an empty file",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				if err := fsys.Create(ctx.String("path")); err != nil {
					return err
				}
				fmt.Println("File created successfully")
				return nil
			}),
		}, {
			Name:  "mkdir",
			Usage: "create an empty directory",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				if err := fsys.Mkdir(ctx.String("path")); err != nil {
					return err
				}
				fmt.Println("Directory created successfully")
				return nil
			}),
		}, {
			Name:  "remove",
			Usage: "remove a file",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				if err := fsys.Remove(ctx.String("path")); err != nil {
					return err
				}
				fmt.Println("File removed successfully")
				return nil
			}),
		}, {
			Name:  "rmdir",
			Usage: "remove an empty directory",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				if err := fsys.Rmdir(ctx.String("path")); err != nil {
					return err
				}
				fmt.Println("Directory removed successfully")
				return nil
			}),
		}, {
			Name:  "list",
			Usage: "list a directory's children, one per line",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				ents, err := fsys.List(ctx.String("path"))
				if err != nil {
					return err
				}
				for _, ent := range ents {
					fmt.Println(ent.Name)
				}
				return nil
			}),
		}, {
			Name:  "read",
			Usage: "write a file's bytes to stdout",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				data, err := fsys.ReadFile(ctx.String("path"))
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			}),
		}, {
			Name:  "write",
			Usage: "overwrite a file with bytes read from stdin",
			Flags: pathFlag(),
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				data, err := readStdin()
				if err != nil {
					return err
				}
				if err := fsys.WriteFile(ctx.String("path"), data); err != nil {
					return err
				}
				fmt.Printf("Wrote %d bytes successfully\n", len(data))
				return nil
			}),
		}, {
			Name:  "stats",
			Usage: "print superblock totals",
			Action: withFs(func(fsys *fs.FileSys, ctx *cli.Context) error {
				st := fsys.Stats()
				fmt.Printf("Total blocks: %d\n", st.TotalBlocks)
				fmt.Printf("Free blocks: %d\n", st.FreeBlocks)
				fmt.Printf("Total inodes: %d\n", st.TotalInodes)
				fmt.Printf("Free inodes: %d\n", st.FreeInodes)
				return nil
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message(err))
		os.Exit(1)
	}
}

func pathFlag() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "path",
			Usage:    "absolute path inside the filesystem",
			Required: true,
		},
	}
}

// withDevice opens the backing device for the duration of one verb.
func withDevice(f func(disk.Disk, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		d, err := disk.OpenFileDisk(ctx.String("device"))
		if err != nil {
			return err
		}
		defer d.Close()
		return f(d, ctx)
	}
}

// withFs opens the device and validates the filesystem on it.
func withFs(f func(*fs.FileSys, *cli.Context) error) cli.ActionFunc {
	return withDevice(func(d disk.Disk, ctx *cli.Context) error {
		fsys, err := fs.Open(d)
		if err != nil {
			return err
		}
		return f(fsys, ctx)
	})
}

func readStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

// message maps engine errors onto the driver's stderr wording.
func message(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotFound):
		return "File not found"
	case errors.Is(err, fs.ErrInvalidPath), errors.Is(err, dir.ErrInvalidName):
		return "Invalid path"
	case errors.Is(err, super.ErrNotFormatted):
		return "Device not formatted"
	case errors.Is(err, dir.ErrExists):
		return "File already exists"
	case errors.Is(err, fs.ErrNotDir):
		return "Not a directory"
	case errors.Is(err, fs.ErrIsDir):
		return "Is a directory"
	case errors.Is(err, fs.ErrNotEmpty):
		return "Directory not empty"
	case errors.Is(err, fs.ErrNoSpace):
		return "No space left on device"
	case errors.Is(err, fs.ErrNoInodes):
		return "No free inodes"
	case errors.Is(err, inode.ErrTooLarge):
		return "File too large"
	case errors.Is(err, fs.ErrCorrupt), errors.Is(err, alloc.ErrDoubleFree):
		return fmt.Sprintf("CORRUPTION: %s", err)
	default:
		return err.Error()
	}
}
