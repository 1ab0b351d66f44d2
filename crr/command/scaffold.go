package command

import (
	"fmt"
	"os"
	"path/filepath"
)

func init() {
	cmdScaffold.Run = runScaffold // break init cycle
}

var cmdScaffold = &Command{
	UsageLine: "scaffold -config=[replication]",
	Short:     "generate basic configuration files",
	Long: `Generate replication.toml with all possible settings

	Options can also be overridden with environment variables, e.g.
	CRR_DESTINATION_SITE overrides destination.site.

  `,
}

var (
	outputPath = cmdScaffold.Flag.String("output", "", "if not empty, save the configuration file to this directory")
	config     = cmdScaffold.Flag.String("config", "replication", "[replication] the configuration file to generate")
)

func runScaffold(cmd *Command, args []string) bool {

	content := ""
	switch *config {
	case "replication":
		content = replicationToml
	}
	if content == "" {
		println("need a valid -config option")
		return false
	}

	if *outputPath != "" {
		if err := os.WriteFile(filepath.Join(*outputPath, *config+".toml"), []byte(content), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s.toml: %v\n", *config, err)
			return false
		}
	} else {
		fmt.Println(content)
	}
	return true
}

const replicationToml = `
# A sample TOML config file for the crr replication daemons.
# Used by "crr replicate" and "crr mirror".
# Put this file to one of the locations, with descending priority
#
#    ./replication.toml
#    $HOME/.crr/replication.toml
#    /etc/crr/replication.toml

[notification.kafka]
hosts = ["localhost:9092"]
topic = "object-log"
group = "crr-replicate"
# status and metrics records are produced onto these topics
status_topic = "object-log-status"
metrics_topic = "object-log-metrics"
# in-flight entries per worker
concurrency = 10

[source.s3]
endpoint = "http://localhost:8000"
region = "us-east-1"
aws_access_key_id = ""       # if empty, loads from shared credentials
aws_secret_access_key = ""
# optional role to assume for source reads
role_arn = ""

[destination]
# site name; also sent as the storage class of every write
site = "aws-site-1"
# multiple-backend hosts, tried round-robin on failover
hosts = ["http://localhost:8001"]
timeout_seconds = 900

[destination.retry]
max_retries = 5
timeout_seconds = 300

[metrics.redis]
# if empty, the redis counter sink is disabled
address = ""
password = ""
database = 0
key_prefix = "crr"

[mirror.kafka]
hosts = ["localhost:9092"]
topic = "object-log"
group = "crr-mirror"

[mirror.mongodb]
uri = "mongodb://localhost:27017"
database = "crr"
option_pool_size = 0

[mirror]
bucket_prefix = "mirror"
data_store_name = "mirror"
data_store_type = "mongodb"
# bucket and bucket-metadata entries are skipped unless enabled
process_bucket_entries = false
# if set, rewrite the object owner on every mirrored entry
owner_id = ""
owner_display_name = ""
`
