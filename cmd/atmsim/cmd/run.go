package cmd

import (
	"context"
	"fmt"
	"io"
	"path"
	"text/tabwriter"
	"time"

	"github.com/iti/atmnet"
	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build the network and run the simulation",
	Example: `  atmsim run --topo topo.yaml --exp exp.yaml --routes routes.txt --flows flows.yaml --stop 60
  atmsim run --topo topo.json --routes routes.txt --trace trace.yaml
  atmsim run --topo topo.yaml --flows flows.yaml --metrics-addr :9100 --metrics-hold 1m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSim(cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().String("topo", "", "topology file (.yaml or .json)")
	runCmd.Flags().String("exp", "", "experiment parameter file")
	runCmd.Flags().String("routes", "", "static route file (.yaml, .json or text triples)")
	runCmd.Flags().String("flows", "", "flow file")
	runCmd.Flags().Float64("stop", 60.0, "simulation stop time, in seconds")
	runCmd.Flags().String("trace", "", "write the signaling trace to this file")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g., :9100)")
	runCmd.Flags().Duration("metrics-hold", 0, "keep serving metrics this long after the run ends")
}

func runSim(out io.Writer) error {
	topoFile := v.GetString("topo")
	expFile := v.GetString("exp")
	routeFile := v.GetString("routes")
	flowFile := v.GetString("flows")
	traceFile := v.GetString("trace")
	stop := v.GetFloat64("stop")

	if len(topoFile) == 0 {
		return errors.New("a topology file is required (--topo)")
	}
	if _, err := atmnet.CheckFiles([]string{topoFile, expFile, routeFile, flowFile}, true); err != nil {
		return err
	}
	if _, err := atmnet.CheckFiles([]string{traceFile}, false); err != nil {
		return err
	}
	if !(stop > 0.0) {
		return errors.Errorf("stop time %g is not positive", stop)
	}

	if addr := v.GetString("metrics-addr"); len(addr) > 0 {
		ms := newMetricsServer(addr, "")
		if err := ms.Start(context.Background()); err != nil {
			return err
		}
		defer func() {
			if hold := v.GetDuration("metrics-hold"); hold > 0 {
				atmnet.Logger().WithField("addr", ms.Addr()).WithField("hold", hold).Info("holding metrics")
				time.Sleep(hold)
			}
			if err := ms.Stop(context.Background()); err != nil {
				atmnet.Logger().WithError(err).Warn("stopping metrics server")
			}
		}()
	}

	syn := map[string]string{"topo": topoFile, "exp": expFile, "routes": routeFile}
	tm := atmnet.CreateTraceManager(path.Base(topoFile), len(traceFile) > 0)

	evtMgr := evtm.New()
	an, err := atmnet.BuildExperimentNet(evtMgr, syn, tm)
	if err != nil {
		return errors.Wrap(err, "building network")
	}

	if len(flowFile) > 0 {
		ext := path.Ext(flowFile)
		fc, ferr := atmnet.ReadFlowCfg(flowFile, ext == ".yaml" || ext == ".yml", nil)
		if ferr != nil {
			return ferr
		}
		if ferr = an.CreateFlows(fc); ferr != nil {
			return ferr
		}
	}

	an.StartFlows(evtMgr)
	evtMgr.Run(stop)

	printSummary(out, an, evtMgr.CurrentSeconds())

	if len(traceFile) > 0 {
		if _, werr := tm.WriteToFile(traceFile); werr != nil {
			return errors.Wrap(werr, "writing trace")
		}
	}
	return nil
}

// printSummary reports what each flow and node saw
func printSummary(out io.Writer, an *atmnet.AtmNet, now float64) {
	fmt.Fprintf(out, "network %s, stopped at %.6f s\n\n", an.Name, now)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "flow\toffered\trejected\tdelivered\tout-of-order")
	for _, flow := range an.Flows() {
		fs := flow.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", flow.Name, fs.Offered, fs.Rejected, fs.Delivered, fs.OutOfOrder)
	}
	tw.Flush()
	fmt.Fprintln(out)

	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "node\tkind\tatm\tcalls-active\tcalls-failed\tcalls-released\tcells-sent\tcells-switched\tpdus\tdrops")
	for _, node := range an.Nodes() {
		ns := node.Stats()
		drops := ns.CellsDropped + ns.UnknownCells + ns.ReasmDrops + ns.PendingDropped
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", node.Name, node.Kind, node.Atm,
			ns.CallsActive, ns.CallsFailed, ns.CallsReleased, ns.CellsSent, ns.CellsSwitched,
			ns.PDUsDelivered, drops)
	}
	tw.Flush()
}
