package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/bytedance/sonic"
)

func TestJoinReturnsBoardStateAndAnnouncesNewcomer(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"}, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")

	aliceJoin := env.join(t, alice, "board-1")
	expectTypes(t, "alice", aliceJoin, EventBoardState)
	state := aliceJoin[0]
	if state["version"] != 1.0 {
		t.Fatalf("expected version 1, got %v", state["version"])
	}
	if objects, ok := state["objects"].([]any); !ok || len(objects) != 1 {
		t.Fatalf("expected one object, got %v", state["objects"])
	}

	bobJoin := env.join(t, bob, "board-1")
	expectTypes(t, "bob", bobJoin, EventBoardState)
	members, ok := bobJoin[0]["members"].([]any)
	if !ok || len(members) != 2 {
		t.Fatalf("expected both members in bob's snapshot, got %v", bobJoin[0]["members"])
	}

	aliceInbox := drain(t, alice)
	expectTypes(t, "alice", aliceInbox, EventUserJoined)
	user := aliceInbox[0]["user"].(map[string]any)
	if user["userId"] != "bob" || user["name"] != "Bob" || user["color"] != presenceColor("bob") {
		t.Fatalf("unexpected user-joined payload %v", user)
	}
}

func TestJoinRejections(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", nil)
	mallory := env.connect(t, "mallory", "Mallory")

	env.send(t, mallory, map[string]any{"type": EventJoinBoard, "boardId": "board-1"})
	expectError(t, drain(t, mallory), CodeForbidden)

	env.send(t, mallory, map[string]any{"type": EventJoinBoard, "boardId": "missing"})
	expectError(t, drain(t, mallory), CodeNotFound)

	if mallory.isJoined("board-1") {
		t.Fatalf("rejected join must not register the session")
	}
}

func TestBadMessagesAreRejectedWithoutClosingTheSession(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", nil, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")

	env.send(t, alice, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "S1", "fields": map[string]any{"x": 5}})
	notJoined := drain(t, alice)
	expectError(t, notJoined, CodeProtocolError)
	if notJoined[0]["message"] != "board not joined" || notJoined[0]["requestType"] != EventUpdateObject {
		t.Fatalf("unexpected not-joined error %v", notJoined[0])
	}

	env.gateway.Handle(context.Background(), alice, []byte(`{"type":`))
	expectError(t, drain(t, alice), CodeProtocolError)

	env.send(t, alice, map[string]any{"type": "teleport", "boardId": "board-1"})
	expectError(t, drain(t, alice), CodeProtocolError)

	env.send(t, alice, map[string]any{"type": EventJoinBoard})
	expectError(t, drain(t, alice), CodeProtocolError)

	env.join(t, alice, "board-1")
	env.send(t, alice, map[string]any{"type": EventCreateObject, "boardId": "board-1", "object": map[string]any{"type": "sticky"}})
	expectError(t, drain(t, alice), CodeValidationError)

	env.send(t, alice, map[string]any{"type": EventCursorMove, "boardId": "board-1", "x": 1})
	expectError(t, drain(t, alice), CodeProtocolError)

	env.send(t, alice, map[string]any{"type": EventRequestResync, "boardId": "board-1"})
	expectTypes(t, "alice", drain(t, alice), EventBoardState)
}

func TestMutationsReachEveryoneButTheOrigin(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"},
		boards.Object{boards.FieldID: "F1", boards.FieldType: "frame", "x": 0.0, "y": 0.0},
		boards.Object{boards.FieldID: "C1", boards.FieldType: "sticky", "x": 1.0, "y": 1.0, "frameId": "F1"},
	)
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, alice, "board-1")
	env.join(t, bob, "board-1")
	drain(t, alice)

	env.send(t, alice, map[string]any{"type": EventCreateObject, "boardId": "board-1", "object": map[string]any{"id": "S1", "type": "sticky", "x": 3, "y": 4, "text": "hi"}})
	expectTypes(t, "alice", drain(t, alice))
	created := drain(t, bob)
	expectTypes(t, "bob", created, EventObjectCreated)
	object := created[0]["object"].(map[string]any)
	if object["id"] != "S1" || object["createdBy"] != "alice" || created[0]["userId"] != "alice" {
		t.Fatalf("unexpected object-created payload %v", created[0])
	}

	env.send(t, bob, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "S1", "fields": map[string]any{"text": "hello", "x": 3}})
	expectTypes(t, "bob", drain(t, bob))
	updated := drain(t, alice)
	expectTypes(t, "alice", updated, EventObjectUpdated)
	fields := updated[0]["fields"].(map[string]any)
	if fields["text"] != "hello" || fields["lastEditedBy"] != "bob" {
		t.Fatalf("unexpected update fields %v", fields)
	}
	if _, ok := fields["x"]; ok {
		t.Fatalf("unchanged field must not be broadcast: %v", fields)
	}

	env.send(t, bob, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "S1", "fields": map[string]any{"text": "hello"}})
	expectTypes(t, "alice", drain(t, alice))

	env.send(t, bob, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "ghost", "fields": map[string]any{"text": "boo"}})
	expectTypes(t, "bob", drain(t, bob))
	expectTypes(t, "alice", drain(t, alice))

	env.send(t, alice, map[string]any{"type": EventDeleteObject, "boardId": "board-1", "objectId": "F1"})
	expectTypes(t, "alice", drain(t, alice))
	deleted := drain(t, bob)
	expectTypes(t, "bob", deleted, EventObjectDeleted)
	orphans := deleted[0]["orphanedObjectIds"].([]any)
	if len(orphans) != 1 || orphans[0] != "C1" {
		t.Fatalf("unexpected orphans %v", orphans)
	}

	env.send(t, alice, map[string]any{"type": EventDeleteObject, "boardId": "board-1", "objectId": "F1"})
	expectTypes(t, "alice", drain(t, alice))
	expectTypes(t, "bob", drain(t, bob))

	env.send(t, alice, map[string]any{"type": EventCursorMove, "boardId": "board-1", "x": 10.5, "y": -3})
	moved := drain(t, bob)
	expectTypes(t, "bob", moved, EventCursorMoved)
	if moved[0]["x"] != 10.5 || moved[0]["y"] != -3.0 || moved[0]["userId"] != "alice" {
		t.Fatalf("unexpected cursor payload %v", moved[0])
	}
	expectTypes(t, "alice", drain(t, alice))
}

func TestEditWarningGoesOnlyToTheNewcomer(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob", "carol"}, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	carol := env.connect(t, "carol", "Carol")
	for _, session := range []*Session{alice, bob, carol} {
		env.join(t, session, "board-1")
	}
	for _, session := range []*Session{alice, bob, carol} {
		drain(t, session)
	}

	env.send(t, alice, map[string]any{"type": EventStartEditing, "boardId": "board-1", "objectId": "S1"})
	expectTypes(t, "alice", drain(t, alice))

	env.send(t, bob, map[string]any{"type": EventStartEditing, "boardId": "board-1", "objectId": "S1"})
	warning := drain(t, bob)
	expectTypes(t, "bob", warning, EventEditWarning)
	editors := warning[0]["editors"].([]any)
	if len(editors) != 1 || editors[0].(map[string]any)["userId"] != "alice" {
		t.Fatalf("expected bob to be warned about alice, got %v", editors)
	}
	expectTypes(t, "alice", drain(t, alice))
	expectTypes(t, "carol", drain(t, carol))

	env.send(t, bob, map[string]any{"type": EventStartEditing, "boardId": "board-1", "objectId": "ghost"})
	expectTypes(t, "bob", drain(t, bob))

	// Carol changes the object both are editing; each holder hears about it.
	env.send(t, carol, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "S1", "fields": map[string]any{"text": "mine"}})
	expectTypes(t, "alice", drain(t, alice), EventObjectUpdated, EventEditConflict)
	expectTypes(t, "bob", drain(t, bob), EventObjectUpdated, EventEditConflict)
	expectTypes(t, "carol", drain(t, carol))

	// A holder editing their own object gets no conflict notice about themselves.
	env.send(t, alice, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "S1", "fields": map[string]any{"text": "ours"}})
	expectTypes(t, "alice", drain(t, alice))
	expectTypes(t, "bob", drain(t, bob), EventObjectUpdated, EventEditConflict)

	env.send(t, bob, map[string]any{"type": EventStopEditing, "boardId": "board-1", "objectId": "S1"})
	env.send(t, alice, map[string]any{"type": EventUpdateObject, "boardId": "board-1", "objectId": "S1", "fields": map[string]any{"text": "again"}})
	expectTypes(t, "bob", drain(t, bob), EventObjectUpdated)
}

func TestReconnectReclaimsEditLocks(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"}, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, alice, "board-1")
	env.join(t, bob, "board-1")
	drain(t, alice)
	env.send(t, alice, map[string]any{"type": EventStartEditing, "boardId": "board-1", "objectId": "S1"})

	env.gateway.Disconnect(context.Background(), alice)
	expectTypes(t, "bob", drain(t, bob), EventUserLeft)

	again := env.connect(t, "alice", "Alice")
	rejoin := env.join(t, again, "board-1")
	expectTypes(t, "alice", rejoin, EventBoardState, EventEditLockReclaimed)
	objectIDs := rejoin[1]["objectIds"].([]any)
	if len(objectIDs) != 1 || objectIDs[0] != "S1" {
		t.Fatalf("unexpected reclaimed locks %v", objectIDs)
	}
	expectTypes(t, "bob", drain(t, bob), EventUserJoined)
}

func TestExplicitLeaveReleasesLocksAndPresence(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"}, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, alice, "board-1")
	env.join(t, bob, "board-1")
	drain(t, alice)
	env.send(t, alice, map[string]any{"type": EventStartEditing, "boardId": "board-1", "objectId": "S1"})

	env.send(t, alice, map[string]any{"type": EventLeaveBoard, "boardId": "board-1"})
	left := drain(t, bob)
	expectTypes(t, "bob", left, EventUserLeft)
	if left[0]["user"].(map[string]any)["userId"] != "alice" {
		t.Fatalf("unexpected user-left payload %v", left[0])
	}

	present, err := env.cache.ListPresence(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("list presence failed: %v", err)
	}
	if len(present) != 1 || present[0].UserID != "bob" {
		t.Fatalf("expected only bob to remain present, got %v", present)
	}

	env.send(t, bob, map[string]any{"type": EventStartEditing, "boardId": "board-1", "objectId": "S1"})
	expectTypes(t, "bob", drain(t, bob))

	env.send(t, alice, map[string]any{"type": EventCursorMove, "boardId": "board-1", "x": 1, "y": 1})
	expectError(t, drain(t, alice), CodeProtocolError)
}

func TestPresenceSurvivesWhileAnotherSessionOfTheUserRemains(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"})
	laptop := env.connect(t, "alice", "Alice")
	phone := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, bob, "board-1")
	env.join(t, laptop, "board-1")
	expectTypes(t, "bob", drain(t, bob), EventUserJoined)
	env.join(t, phone, "board-1")
	expectTypes(t, "bob", drain(t, bob))

	env.gateway.Disconnect(context.Background(), laptop)
	env.gateway.Disconnect(context.Background(), laptop)
	expectTypes(t, "bob", drain(t, bob))
	present, err := env.cache.ListPresence(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("list presence failed: %v", err)
	}
	if len(present) != 2 {
		t.Fatalf("expected alice to stay present, got %v", present)
	}

	env.gateway.Disconnect(context.Background(), phone)
	expectTypes(t, "bob", drain(t, bob), EventUserLeft)
}

func TestResetBoardResendsStateToEveryone(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"}, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, alice, "board-1")
	env.join(t, bob, "board-1")
	drain(t, alice)

	env.gateway.ResetBoard(context.Background(), "board-1")
	expectTypes(t, "alice", drain(t, alice), EventBoardState)
	expectTypes(t, "bob", drain(t, bob), EventBoardState)

	env.gateway.ResetBoard(context.Background(), "board-without-sessions")
}

func TestSlowConsumerIsClosed(t *testing.T) {
	env := newGatewayEnv(t, withSendBuffer(2))
	env.createBoard(t, "board-1", "alice", []string{"bob"}, sticky("S1"))
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, alice, "board-1")
	env.join(t, bob, "board-1")

	// Alice never reads: the user-joined notice plus two cursor moves overflow her queue.
	for index := 0; index < 2; index++ {
		env.send(t, bob, map[string]any{"type": EventCursorMove, "boardId": "board-1", "x": index, "y": index})
	}
	select {
	case <-alice.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected slow session to be closed")
	}
	select {
	case <-bob.Done():
		t.Fatalf("healthy session must stay open")
	default:
	}
}

// Every member must observe the room's messages in the order they were applied.
func TestRoomDeliveryOrderIsConsistent(t *testing.T) {
	env := newGatewayEnv(t, withSendBuffer(512))
	members := []string{"w1", "w2", "w3", "o1", "o2"}
	env.createBoard(t, "board-1", "owner", members)
	sessions := make(map[string]*Session, len(members))
	for _, member := range members {
		sessions[member] = env.connect(t, member, member)
		env.join(t, sessions[member], "board-1")
	}
	for _, session := range sessions {
		drain(t, session)
	}

	var wg sync.WaitGroup
	for _, writer := range []string{"w1", "w2", "w3"} {
		wg.Add(1)
		go func(writer string) {
			defer wg.Done()
			for index := 0; index < 20; index++ {
				payload := fmt.Sprintf(`{"type":"create-object","boardId":"board-1","object":{"id":"%s-%d","type":"sticky","x":0,"y":0}}`, writer, index)
				env.gateway.Handle(context.Background(), sessions[writer], []byte(payload))
			}
		}(writer)
	}
	wg.Wait()

	order := func(name string) []string {
		var ids []string
		for _, message := range drain(t, sessions[name]) {
			ids = append(ids, message["object"].(map[string]any)["id"].(string))
		}
		return ids
	}
	first, second := order("o1"), order("o2")
	if len(first) != 60 || len(second) != 60 {
		t.Fatalf("expected 60 creations each, got %d and %d", len(first), len(second))
	}
	for index := range first {
		if first[index] != second[index] {
			t.Fatalf("observers disagree at %d: %s vs %s", index, first[index], second[index])
		}
	}

	cached, err := env.cache.ReadBoard(context.Background(), "board-1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for index, object := range cached.Objects {
		if object.ID() != first[index] {
			t.Fatalf("cache order diverges from delivery order at %d", index)
		}
	}
}

func TestCloseAllClosesLiveSessionsOnly(t *testing.T) {
	env := newGatewayEnv(t)
	env.createBoard(t, "board-1", "alice", []string{"bob"})
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	env.join(t, alice, "board-1")
	env.gateway.Disconnect(context.Background(), bob)

	if closed := env.gateway.CloseAll(); closed != 1 {
		t.Fatalf("expected one live session to be closed, got %d", closed)
	}
	select {
	case <-alice.Done():
	default:
		t.Fatalf("expected alice's session to be closed")
	}
}

func TestSlowJoinDoesNotStallOtherRooms(t *testing.T) {
	gate := &gatedAccess{
		userID:  "carol",
		boardID: "board-slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newGatewayEnv(t, withAccess(func(inner AccessChecker) AccessChecker {
		gate.AccessChecker = inner
		return gate
	}))
	env.createBoard(t, "board-slow", "alice", []string{"bob", "carol"})
	env.createBoard(t, "board-fast", "alice", []string{"bob"})
	alice := env.connect(t, "alice", "Alice")
	bob := env.connect(t, "bob", "Bob")
	carol := env.connect(t, "carol", "Carol")
	for _, boardID := range []string{"board-slow", "board-fast"} {
		env.join(t, alice, boardID)
		env.join(t, bob, boardID)
	}
	drain(t, alice)

	joined := make(chan struct{})
	go func() {
		defer close(joined)
		payload, _ := sonic.ConfigStd.Marshal(map[string]any{"type": EventJoinBoard, "boardId": "board-slow"})
		env.gateway.Handle(context.Background(), carol, payload)
	}()
	t.Cleanup(func() {
		select {
		case <-gate.release:
		default:
			close(gate.release)
		}
		<-joined
	})
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("join never reached the access check")
	}

	for _, boardID := range []string{"board-fast", "board-slow"} {
		handled := make(chan struct{})
		go func() {
			defer close(handled)
			payload, _ := sonic.ConfigStd.Marshal(map[string]any{"type": EventCursorMove, "boardId": boardID, "x": 1, "y": 2})
			env.gateway.Handle(context.Background(), alice, payload)
		}()
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatalf("cursor move on %s waited for a pending join", boardID)
		}
		expectTypes(t, "bob", drain(t, bob), EventCursorMoved)
	}

	close(gate.release)
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatalf("released join never completed")
	}
	expectTypes(t, "carol", drain(t, carol), EventBoardState)
	expectTypes(t, "bob", drain(t, bob), EventUserJoined)
}
