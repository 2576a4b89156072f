package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/dcmproxy/dcmproxy/internal/buildinfo"
	"github.com/dcmproxy/dcmproxy/internal/config"
	"github.com/dcmproxy/dcmproxy/internal/spool"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config, c",
		Usage:  "device configuration file",
		EnvVar: "DCMPROXY_DEVICE_CONFIG",
		Value:  "/etc/dcmproxy/device.yaml",
	}
	spoolDirFlag = cli.StringFlag{
		Name:   "dir, d",
		Usage:  "spool root directory",
		EnvVar: "DCMPROXY_SPOOL_DIR",
		Value:  "/var/spool/dcmproxy",
	}
)

func newCLIApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "dcmproxy"
	app.HelpName = "dcmproxy"
	app.Usage = "store-and-forward DICOM proxy"
	app.Version = fmt.Sprintf("%s (%s, %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	app.Writer = out
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "run the proxy (configured through DCMPROXY_* environment variables)",
			Action: func(*cli.Context) error {
				return runServe()
			},
		},
		{
			Name:   "check-config",
			Usage:  "validate the device configuration file",
			Flags:  []cli.Flag{configFlag},
			Action: checkConfig,
		},
		{
			Name:  "spool",
			Usage: "inspect or repair the spool directory",
			Subcommands: []cli.Command{
				{
					Name:  "ls",
					Usage: "list queued items of a proxy AE",
					Flags: []cli.Flag{
						spoolDirFlag,
						cli.StringFlag{Name: "aet, a", Usage: "proxy AE title (required)"},
						cli.StringFlag{Name: "state, s", Usage: "only items in this state (pending, failed)"},
					},
					Action: spoolList,
				},
				{
					Name:   "reset",
					Usage:  "return claimed items to the queue and drop partial writes",
					Flags:  []cli.Flag{spoolDirFlag},
					Action: spoolReset,
				},
			},
		},
	}
	return app
}

func checkConfig(c *cli.Context) error {
	path := c.String("config")
	dev, err := config.LoadDevice(path)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "%s: device %q OK (%d AEs, %d remotes)\n", path, dev.Name, len(dev.AEs), len(dev.Remotes))
	for _, ae := range dev.ProxyAEs() {
		names := make([]string, 0, len(ae.Proxy.Rules))
		for _, r := range ae.Proxy.Rules {
			names = append(names, r.Name)
		}
		kinds := make([]string, 0, len(ae.Proxy.Retries))
		for k := range ae.Proxy.Retries {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		fmt.Fprintf(w, "  %s: rules %v, retries %v\n", ae.AETitle, names, kinds)
	}
	return nil
}

func openSpool(c *cli.Context) (*spool.Store, error) {
	return spool.New(afero.NewOsFs(), c.String("dir"))
}

func spoolList(c *cli.Context) error {
	aet := c.String("aet")
	if aet == "" {
		return errors.New("spool ls: --aet is required")
	}
	store, err := openSpool(c)
	if err != nil {
		return err
	}
	items, err := store.ListAll(aet)
	if err != nil {
		return err
	}
	state := spool.State(c.String("state"))

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDESTINATION\tSTATE\tATTEMPTS\tFAILURE\tENQUEUED")
	n := 0
	for _, it := range items {
		if state != "" && it.State != state {
			continue
		}
		st := string(it.State)
		if it.Claimed {
			st += " (claimed)"
		}
		dest := it.DestinationAET
		if dest == "" {
			dest = "<" + it.Rule + ">"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID(), dest, st, it.Attempts, it.FailureKind, it.EnqueuedAt.Format(time.RFC3339))
		n++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d items\n", n)
	return nil
}

func spoolReset(c *cli.Context) error {
	store, err := openSpool(c)
	if err != nil {
		return err
	}
	reset, removed, err := store.ResetInFlight()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d claimed items returned to the queue, %d partial writes removed\n", reset, removed)
	return nil
}
