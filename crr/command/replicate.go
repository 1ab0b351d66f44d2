package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/gateway"
	"github.com/cloudcrr/cloudcrr/crr/queue/pub"
	"github.com/cloudcrr/cloudcrr/crr/queue/sub"
	"github.com/cloudcrr/cloudcrr/crr/replication"
	"github.com/cloudcrr/cloudcrr/crr/stats"
	"github.com/cloudcrr/cloudcrr/crr/util"
)

func init() {
	cmdReplicate.Run = runReplicate // break init cycle
}

var cmdReplicate = &Command{
	UsageLine: "replicate",
	Short:     "replicate object changes to a cross-backend destination site",
	Long: `replicate consumes the object change log and reproduces each object,
	delete marker and tagging mutation at the configured destination site.

	The destination may be any supported backend family (generic S3, GCP,
	Azure); writes go through the source service's multiple-backend surface.

	Run "crr scaffold -config=replication" to generate a replication.toml
	file and customize the parameters.

  `,
}

var (
	replicateMetricsPort = cmdReplicate.Flag.Int("metricsPort", 0, "Prometheus metrics listen port")
)

func runReplicate(cmd *Command, args []string) bool {

	util.LoadConfiguration("replication", true)
	config := util.GetViper()

	site := config.GetString("destination.site")
	if site == "" {
		glog.Errorf("destination.site must be configured in replication.toml")
		os.Exit(1)
	}

	source, err := gateway.NewSourceGateway(config, "source.s3.")
	if err != nil {
		glog.Errorf("initialize source gateway: %v", err)
		os.Exit(1)
	}
	destination := gateway.NewDestination(config, "destination.")

	statusOut, err := pub.NewKafkaOutput(config, "notification.kafka.", "status_topic")
	if err != nil {
		glog.Errorf("initialize status output: %v", err)
		os.Exit(1)
	}
	defer statusOut.Close()

	var metricsOut pub.Output
	if config.GetString("notification.kafka.metrics_topic") != "" {
		out, err := pub.NewKafkaOutput(config, "notification.kafka.", "metrics_topic")
		if err != nil {
			glog.Errorf("initialize metrics output: %v", err)
			os.Exit(1)
		}
		defer out.Close()
		metricsOut = out
	}

	redisSink := stats.NewRedisSink(config, "metrics.redis.")
	defer redisSink.Close()

	stats.StartMetricsServer(*replicateMetricsPort)

	publisher := replication.NewPublisher(site, statusOut, metricsOut, redisSink)
	retry := replication.RetryParamsFromConfig(config, "destination.retry.")
	task := replication.NewReplicationTask(source,
		replication.NewGatewayTarget(destination), publisher, site, retry)
	processor := replication.NewQueueProcessor(task, site,
		config.GetInt("notification.kafka.concurrency"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	input := sub.NewKafkaInput(config, "notification.kafka.")
	if err := input.Run(ctx, processor); err != nil {
		glog.Errorf("queue processor: %v", err)
		os.Exit(1)
	}

	glog.V(0).Infof("queue processor for site %s drained, shutting down", site)
	return true
}
