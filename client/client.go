package client

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// RunClient is the main method for running the interactive client
func RunClient() {
	log.Info("Client ready for commands.")
	scanner := bufio.NewScanner(os.Stdin)

	var rest *restClient
	session := createChatSession()

	for {
		fmt.Print("> ")

		scanner.Scan()
		text := scanner.Text()
		if len(text) == 0 {
			continue
		}
		exploded := strings.Split(text, " ")

		switch exploded[0] {
		case "connect":
			// connect [URL] [deviceKey]
			if len(exploded) < 3 {
				log.Error("Usage: \"connect [URL] [deviceKey]\"")
				continue
			}

			rest = createRestClient(exploded[1])
			if !rest.fetchInfo() || !rest.register(exploded[2]) {
				rest = nil
				continue
			}
			if session.connect(exploded[1], exploded[2], rest.authToken) {
				session.search()
			}
		case "send":
			if session.isConnected() {
				session.sendMessage(strings.Join(exploded[1:], " "))
			} else {
				log.Error("Not connected, use \"connect\" first")
			}
		case "skip":
			session.skip()
		case "stop":
			session.stopSearch()
		case "leave":
			session.leaveRoom()
		case "report":
			// report [deviceKey]
			if rest == nil || len(exploded) < 2 {
				log.Error("Usage: \"report [deviceKey]\" (after connecting)")
				continue
			}
			rest.report(exploded[1])
		case "quit":
			if rest != nil {
				rest.closeApp(session.deviceKey)
			}
			session.close()
			return
		default:
			log.WithField("command", exploded[0]).Error("Unknown command")
		}
	}
}
