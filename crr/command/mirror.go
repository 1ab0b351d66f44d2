package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/mirror"
	"github.com/cloudcrr/cloudcrr/crr/queue/sub"
	"github.com/cloudcrr/cloudcrr/crr/stats"
	"github.com/cloudcrr/cloudcrr/crr/util"
)

func init() {
	cmdMirror.Run = runMirror // break init cycle
}

var cmdMirror = &Command{
	UsageLine: "mirror",
	Short:     "project the object change log into a document-database mirror",
	Long: `mirror consumes the same object change log as replicate and keeps a
	queryable copy of the object metadata in MongoDB.

	Location data store names are rewritten to the mirror's canonical values;
	versioning is preserved in the versioned key.

  `,
}

var (
	mirrorMetricsPort = cmdMirror.Flag.Int("metricsPort", 0, "Prometheus metrics listen port")
)

func runMirror(cmd *Command, args []string) bool {

	util.LoadConfiguration("replication", true)
	config := util.GetViper()

	store, err := mirror.NewMongoStore(config, "mirror.mongodb.")
	if err != nil {
		glog.Errorf("initialize mirror store: %v", err)
		os.Exit(1)
	}

	stats.StartMetricsServer(*mirrorMetricsPort)

	processor := mirror.NewProcessor(store, config, "mirror.")
	handler := mirror.NewHandler(processor)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer store.Close(context.Background())

	input := sub.NewKafkaInput(config, "mirror.kafka.")
	if err := input.Run(ctx, handler); err != nil {
		glog.Errorf("mirror processor: %v", err)
		os.Exit(1)
	}

	glog.V(0).Infof("mirror processor drained, shutting down")
	return true
}
