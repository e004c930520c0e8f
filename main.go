package main

import (
	"os"

	"github.com/alejzeis/randopair/client"
	"github.com/alejzeis/randopair/common"
	"github.com/alejzeis/randopair/server"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetLevel(log.DebugLevel)

	if len(os.Args) > 1 && os.Args[1] == "-client" {
		log.WithFields(log.Fields{
			"software": common.SoftwareName,
			"version":  common.SoftwareVersion,
			"mode":     "client",
		}).Info("Starting...")

		client.RunClient()
	} else {
		log.WithFields(log.Fields{
			"software": common.SoftwareName,
			"version":  common.SoftwareVersion,
			"mode":     "server",
		}).Info("Starting...")

		config := loadConfig()

		databasePath := "devices.db"
		if key, err := config.Section("server").GetKey("database"); err == nil {
			databasePath = key.String()
		}

		directory, err := server.OpenBoltDirectory(databasePath)
		if err != nil {
			log.WithField("database", databasePath).WithError(err).Error("Failed to open device database.")
			panic(err)
		}
		defer directory.Close()

		matchmaker := server.NewMatchmaker(directory, server.PolicyFromConfig(config))
		server.StartControlServer(config, matchmaker)
	}
}

func loadConfig() *ini.File {
	var configLocation string = "server.ini"
	if os.Getenv("SERVER_CONFIG") != "" {
		configLocation = os.Getenv("SERVER_CONFIG")
	}

	file, err := ini.Load(configLocation)
	if err != nil {
		log.WithField("config", configLocation).WithError(err).Error("Failed to load configuration file.")
		panic(err)
	}

	return file
}
