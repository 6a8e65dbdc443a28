package main

import (
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-io/requests"
)

var (
	broker  = flag.String("broker", "tcp://127.0.0.1:1883", "broker address")
	conns   = flag.Int("conns", 100, "number of concurrent client connections")
	qos     = flag.Int("qos", 0, "publish/subscribe QoS level (0, 1, 2)")
	topic   = flag.String("topic", "+", "subscribe filter for each connection")
	period  = flag.Duration("period", time.Second, "publish interval per connection")
	verbose = flag.Bool("v", false, "log every received message")
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	flag.Parse()

	group := sync.WaitGroup{}
	for i := 0; i < *conns; i++ {
		i := i
		group.Add(1)
		go func() {
			defer group.Done()
			run(i)
		}()
	}
	group.Wait()
}

func onMessage(_ paho_mqtt.Client, message paho_mqtt.Message) {
	if *verbose {
		log.Printf("topic:%s, msg:%s", message.Topic(), message.Payload())
	}
}

func run(i int) {
	id := requests.GenId()
	connOpts := paho_mqtt.NewClientOptions().AddBroker(*broker).SetClientID(id).SetCleanSession(true)
	connOpts.SetAutoReconnect(false)

	client := paho_mqtt.NewClient(connOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		panic(token.Error())
	}
	fmt.Printf("conn %02d: connected to %s as %s\n", i, *broker, id)

	if token := client.Subscribe(*topic, byte(*qos), onMessage); token.Wait() && token.Error() != nil {
		panic(token.Error())
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for range timer.C {
		payload := fmt.Sprintf("loadgen:%s-%02d", id, i)
		if t := client.Publish(fmt.Sprintf("topic_%02d", i), byte(*qos), false, payload); t.Wait() && t.Error() != nil {
			log.Println(t.Error())
			panic(t.Error())
		}
		timer.Reset(*period)
	}
}
