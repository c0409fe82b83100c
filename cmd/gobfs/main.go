package main

import (
	"fmt"
	"os"

	"github.com/mit-pdos/go-journal/util"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/gobfs/gobfs/device"
	"github.com/gobfs/gobfs/fs"
	"github.com/gobfs/gobfs/layout"
)

func main() {
	app := &cli.App{
		Name:  "gobfs",
		Usage: "manage gobfs disk images",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "debug",
				Usage: "debug output level",
			},
		},
		Before: func(c *cli.Context) error {
			util.Debug = c.Uint64("debug")
			return nil
		},
		Commands: []*cli.Command{
			mkfsCommand(),
			fsckCommand(),
			trimCommand(),
			statCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openImage(c *cli.Context, size uint64) (*device.FileDevice, error) {
	if c.NArg() != 1 {
		return nil, cli.Exit("expected exactly one disk image argument", 1)
	}
	return device.OpenFileDevice(c.Args().First(), size)
}

func mkfsCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkfs",
		Usage:     "format a disk image",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "size",
				Usage: "volume size in blocks (0 keeps the image size)",
			},
			&cli.UintFlag{
				Name:  "ag-shift",
				Value: uint(layout.DefaultAGShift),
				Usage: "log2 of blocks per allocation group",
			},
			&cli.StringFlag{
				Name:  "label",
				Value: "gobfs",
				Usage: "volume label",
			},
		},
		Action: func(c *cli.Context) error {
			d, err := openImage(c, c.Uint64("size"))
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := fs.Format(d, fs.FormatOpts{
				AGShift: uint32(c.Uint("ag-shift")),
				Label:   c.String("label"),
			})
			if err != nil {
				return err
			}
			sb := f.Vol.Super()
			fmt.Printf("%s: %d blocks, %d groups of %d, %d reserved\n",
				sb.Label, sb.NumBlocks, sb.AGCount, sb.BitsPerGroup(),
				sb.ReservedBlocks())
			return f.Unmount()
		},
	}
}

func fsckCommand() *cli.Command {
	return &cli.Command{
		Name:      "fsck",
		Usage:     "verify a volume's allocation state",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			d, err := openImage(c, 0)
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := fs.Mount(d, true)
			if err != nil {
				return err
			}
			defer f.Unmount()

			if err := f.Alloc.CheckBlocks(0, f.Vol.ReservedBlocks(), true); err != nil {
				return err
			}

			bad := 0
			bar := progressbar.Default(int64(f.Alloc.NumGroups()))
			for i := int32(0); i < f.Alloc.NumGroups(); i++ {
				if err := f.Alloc.VerifyGroup(i); err != nil {
					fmt.Fprintln(os.Stderr, err)
					bad++
				}
				bar.Add(1)
			}
			if bad > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d groups are inconsistent",
					bad, f.Alloc.NumGroups()), 1)
			}
			fmt.Printf("%s: clean, %d of %d blocks used\n",
				f.Vol.Super().Label, f.Vol.UsedBlocks(), f.Vol.NumBlocks())
			return nil
		},
	}
}

func trimCommand() *cli.Command {
	return &cli.Command{
		Name:      "trim",
		Usage:     "discard all free blocks of a volume",
		ArgsUsage: "<image>",
		Action: func(c *cli.Context) error {
			d, err := openImage(c, 0)
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := fs.Mount(d, false)
			if err != nil {
				return err
			}
			trimmed, err := f.Alloc.Trim(0, f.Vol.NumBlocks()*layout.BlockSize)
			if err != nil {
				return err
			}
			fmt.Printf("trimmed %d bytes\n", trimmed)
			return f.Unmount()
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "show volume information",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "groups",
				Usage: "dump per-group allocation summaries",
			},
		},
		Action: func(c *cli.Context) error {
			d, err := openImage(c, 0)
			if err != nil {
				return err
			}
			defer d.Close()

			f, err := fs.Mount(d, true)
			if err != nil {
				return err
			}
			// wait for the bitmap scan so the used count is reconciled
			f.Alloc.Uninitialize()

			sb := f.Vol.Super()
			fmt.Printf("label:        %s\n", sb.Label)
			fmt.Printf("volume id:    %s\n", sb.VolumeID)
			fmt.Printf("blocks:       %d (%d used)\n", sb.NumBlocks, sb.UsedBlocks)
			fmt.Printf("groups:       %d of %d blocks (shift %d)\n",
				sb.AGCount, sb.BitsPerGroup(), sb.AGShift)
			fmt.Printf("reserved:     %d\n", sb.ReservedBlocks())
			if c.Bool("groups") {
				f.Alloc.Dump(os.Stdout)
			}
			return f.Unmount()
		},
	}
}
