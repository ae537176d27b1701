// handshake-demo starts two nodes on localhost and walks the identity
// handshake end to end: the outbound side announces itself, the inbound side
// parks the connection and notifies its handler, the handler approves it, and
// events then flow in both directions.
//
// Run:  go run ./cmd/handshake-demo
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/TheIronBorn/treescale"
)

func main() {
	replyCh := make(chan treescale.Event, 1)

	// Node B is assigned after creation; the handler closure captures the variable.
	var nodeB *treescale.Network

	// --- Handler A: print the echoed reply ---
	handlerA := func(ev treescale.Event) {
		switch ev.Name {
		case "greet-reply":
			fmt.Printf("[node-a] received reply  From=%s  Data=%q\n", ev.From, ev.Data)
			replyCh <- ev
		default:
			fmt.Printf("[node-a] unexpected event %q from %s\n", ev.Name, ev.From)
		}
	}

	// --- Handler B: approve pending peers, echo every greet back ---
	handlerB := func(ev treescale.Event) {
		switch ev.Name {
		case treescale.EventOnPendingConnection:
			fmt.Printf("[node-b] pending connection  token=%s  value=%s\n", ev.From, ev.Data)
			if err := nodeB.AcceptPending(ev.From); err != nil {
				log.Printf("[node-b] accept error: %v", err)
			}
		case "greet":
			fmt.Printf("[node-b] received greet  From=%s  Data=%q\n", ev.From, ev.Data)

			reply := treescale.Event{
				Name: "greet-reply",
				Data: []byte(fmt.Sprintf("hello back, you said %q", ev.Data)),
			}
			if err := nodeB.Emit(reply, ev.From); err != nil {
				log.Printf("[node-b] reply error: %v", err)
			}
		default:
			fmt.Printf("[node-b] unexpected event %q from %s\n", ev.Name, ev.From)
		}
	}

	// --- Start nodes ---
	nodeA, err := treescale.New("node-a", "6", treescale.WithEventHandler(handlerA))
	if err != nil {
		log.Fatalf("New node-a: %v", err)
	}
	if err := nodeA.Start("127.0.0.1:0"); err != nil {
		log.Fatalf("Start node-a: %v", err)
	}
	defer nodeA.Stop()

	nodeB, err = treescale.New("node-b", "10", treescale.WithEventHandler(handlerB))
	if err != nil {
		log.Fatalf("New node-b: %v", err)
	}
	if err := nodeB.Start("127.0.0.1:0"); err != nil {
		log.Fatalf("Start node-b: %v", err)
	}
	defer nodeB.Stop()

	fmt.Printf("node-a listening on %s\n", nodeA.Addr())
	fmt.Printf("node-b listening on %s\n", nodeB.Addr())

	// --- Connect A → B; B's default policy parks the inbound side ---
	fmt.Println("\n--- Connecting node-a to node-b ---")
	if err := nodeA.Connect(nodeB.Addr()); err != nil {
		log.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for nodeA.PeerCount() == 0 || nodeB.PeerCount() == 0 {
		if time.Now().After(deadline) {
			log.Fatal("timeout waiting for handshake")
		}
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Println("handshake complete on both sides")

	// --- Send a greet from A → B ---
	fmt.Println("\n--- Emitting greet from node-a to node-b ---")
	greet := treescale.Event{Name: "greet", Data: []byte("hello from node-a")}
	if err := nodeA.Emit(greet, "node-b"); err != nil {
		log.Fatalf("Emit: %v", err)
	}

	// --- Wait for the echoed reply ---
	select {
	case reply := <-replyCh:
		fmt.Println("\n--- Round-trip check ---")
		if reply.From == "node-b" {
			fmt.Println("OK: reply came from node-b. Round trip verified.")
		} else {
			fmt.Printf("FAIL: reply came from %s, want node-b\n", reply.From)
		}
	case <-time.After(3 * time.Second):
		log.Fatal("timeout waiting for reply")
	}

	fmt.Println("\nDemo complete.")
}
