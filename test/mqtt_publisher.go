package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// sensorPayload is what a node publishes on sensors/...
type sensorPayload struct {
	McuID      string  `json:"MCU_id"`
	Epoch      int64   `json:"epoch_s"`
	SensorType string  `json:"sensor_type,omitempty"`
	TempC      float64 `json:"temp_c"`
	Humidity   float64 `json:"humidity"`
}

// statusPayload is what a node publishes on status/running
type statusPayload struct {
	McuID     string `json:"MCU_id"`
	McuMAC    string `json:"MCU_mac"`
	Epoch     int64  `json:"epoch_s"`
	IPAddress string `json:"ip_address"`
	Uptime    int64  `json:"uptime_s"`
}

type node struct {
	ID       string
	MAC      string
	IP       string
	Sensors  []string
	Interval time.Duration
	started  time.Time
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	username := flag.String("username", "user", "MQTT username")
	password := flag.String("password", "password", "MQTT password")
	mode := flag.String("mode", "continuous", "run mode: single, batch, continuous")
	typed := flag.Bool("typed", false, "publish on sensors/<type>/<mcu>/<sensor> instead of sensors/<mcu>/<sensor>")
	invalid := flag.Bool("invalid", false, "also publish malformed payloads")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("envnode-sim-%d", time.Now().Unix()))
	opts.SetUsername(*username)
	opts.SetPassword(*password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to %s\n", *broker)

	p := publisher{client: client, typed: *typed}

	switch *mode {
	case "single":
		n := node{ID: "esp32-001", MAC: "AA:BB:CC:DD:EE:01", IP: "192.168.1.21", Sensors: []string{"dht22-1"}, started: time.Now()}
		p.status(n)
		p.reading(n, n.Sensors[0])
	case "batch":
		for i := 1; i <= 10; i++ {
			n := node{
				ID:      fmt.Sprintf("esp32-%03d", i),
				MAC:     fmt.Sprintf("AA:BB:CC:DD:EE:%02X", i),
				IP:      fmt.Sprintf("192.168.1.%d", 20+i),
				Sensors: []string{"dht22-1"},
				started: time.Now(),
			}
			p.status(n)
			p.reading(n, n.Sensors[0])
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Println("batch done")
	case "continuous":
		p.continuous([]node{
			{ID: "esp32-001", MAC: "AA:BB:CC:DD:EE:01", IP: "192.168.1.21", Sensors: []string{"dht22-1", "dht22-2"}, Interval: 5 * time.Second},
			{ID: "esp32-002", MAC: "AA:BB:CC:DD:EE:02", IP: "192.168.1.22", Sensors: []string{"dht22-1"}, Interval: 8 * time.Second},
		}, *invalid)
	default:
		fmt.Println("unknown mode, use single, batch or continuous")
		client.Disconnect(250)
		os.Exit(1)
	}

	client.Disconnect(250)
}

type publisher struct {
	client paho.Client
	typed  bool
}

func (p publisher) publish(topic string, payload []byte) {
	token := p.client.Publish(topic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("publish to %s failed: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("%s <- %s\n", topic, payload)
}

func (p publisher) reading(n node, sensorID string) {
	data := sensorPayload{
		McuID:      n.ID,
		Epoch:      time.Now().Unix(),
		SensorType: "dht22",
		TempC:      round1(22.0 + rand.Float64()*6 - 3),
		Humidity:   round1(40.0 + rand.Float64()*30),
	}

	topic := fmt.Sprintf("sensors/%s/%s", n.ID, sensorID)
	if p.typed {
		topic = fmt.Sprintf("sensors/%s/%s/%s", data.SensorType, n.ID, sensorID)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		fmt.Printf("encode reading: %v\n", err)
		return
	}
	p.publish(topic, jsonData)
}

func (p publisher) status(n node) {
	data := statusPayload{
		McuID:     n.ID,
		McuMAC:    n.MAC,
		Epoch:     time.Now().Unix(),
		IPAddress: n.IP,
		Uptime:    int64(time.Since(n.started).Seconds()),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		fmt.Printf("encode status: %v\n", err)
		return
	}
	p.publish("status/running", jsonData)
}

func (p publisher) malformed(n node) {
	p.publish(fmt.Sprintf("sensors/%s", n.ID), []byte(`{"MCU_id":"`+n.ID+`"}`))
	p.publish(fmt.Sprintf("sensors/%s/dht22-1", n.ID), []byte(`not json`))
	p.publish("status/running", []byte(`{"MCU_id":"`+n.ID+`","epoch_s":"soon"}`))
}

func (p publisher) continuous(nodes []node, invalid bool) {
	stop := make(chan struct{})

	for _, n := range nodes {
		n.started = time.Now()
		go func(n node) {
			ticker := time.NewTicker(n.Interval)
			defer ticker.Stop()
			for {
				p.status(n)
				for _, sensorID := range n.Sensors {
					p.reading(n, sensorID)
				}
				if invalid {
					p.malformed(n)
				}
				select {
				case <-ticker.C:
				case <-stop:
					return
				}
			}
		}(n)
		fmt.Printf("node %s reports every %v\n", n.ID, n.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	close(stop)
	fmt.Println("disconnecting...")
}

func round1(v float64) float64 {
	return float64(int(v*10)) / 10
}
