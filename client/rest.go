package client

import (
	"encoding/json"
	"net/http"

	"github.com/alejzeis/randopair/common"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

type restClient struct {
	rest      *resty.Client
	serverURL string

	serverInfo common.InfoResponse
	device     common.DeviceInfo
	authToken  string
}

func createRestClient(serverURL string) *restClient {
	client := new(restClient)
	client.serverURL = serverURL
	client.rest = resty.New()
	return client
}

func (r *restClient) fetchInfo() bool {
	url := r.serverURL + "/info"
	response, err := r.rest.R().Get(url)
	if err != nil || response.StatusCode() != http.StatusOK {
		log.WithField("url", url).WithError(err).Error("Failed to fetch server info")
		return false
	}

	decodeErr := json.Unmarshal(response.Body(), &r.serverInfo)
	if decodeErr != nil {
		log.WithFields(log.Fields{
			"url":  url,
			"body": response.String(),
		}).WithError(decodeErr).Error("Failed to decode JSON response for server info.")
		return false
	}

	log.WithFields(log.Fields{
		"software": r.serverInfo.Software,
		"version":  r.serverInfo.Version,
		"api":      r.serverInfo.API,
	}).Info("Connected to server")
	return true
}

// register creates (or fetches) the device record for our device key and
// stores the session token for the websocket connect.
func (r *restClient) register(deviceKey string) bool {
	url := r.serverURL + "/api/deviceid"
	response, err := r.rest.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"deviceid": deviceKey}).
		Post(url)
	if err != nil {
		log.WithField("url", url).WithError(err).Error("Failed to register device")
		return false
	} else if response.StatusCode() != http.StatusOK && response.StatusCode() != http.StatusCreated {
		log.WithFields(log.Fields{
			"url":    url,
			"status": response.StatusCode(),
			"body":   response.Body(),
		}).Error("Failed to register device")
		return false
	}

	var registered common.RegisterResponse
	decodeErr := json.Unmarshal(response.Body(), &registered)
	if decodeErr != nil {
		log.WithFields(log.Fields{
			"url":  url,
			"body": response.String(),
		}).WithError(decodeErr).Error("Failed to decode JSON response for device registration.")
		return false
	}

	r.device = registered.Device
	r.authToken = registered.Token

	log.WithFields(log.Fields{
		"device":  r.device.DeviceKey,
		"id":      r.device.ID,
		"created": registered.Status,
	}).Info("Device registered")
	return true
}

func (r *restClient) report(deviceKey string) bool {
	url := r.serverURL + "/api/deviceid/report"
	response, err := r.rest.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"deviceid": deviceKey}).
		Post(url)
	if err != nil || response.StatusCode() != http.StatusOK {
		log.WithFields(log.Fields{
			"url":    url,
			"device": deviceKey,
		}).WithError(err).Error("Failed to report device")
		return false
	}

	log.WithField("device", deviceKey).Info("Reported device")
	return true
}

func (r *restClient) closeApp(deviceKey string) bool {
	url := r.serverURL + "/api/appclose"
	response, err := r.rest.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"deviceid": deviceKey}).
		Post(url)
	if err != nil || response.StatusCode() != http.StatusOK {
		log.WithFields(log.Fields{
			"url":    url,
			"device": deviceKey,
		}).WithError(err).Error("Failed to send app close")
		return false
	}

	return true
}
