package registry

import "testing"

func TestClient_Lifecycle(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	if err := r.ClientAdd(ctx, "user_123", "realm_123", "resource_123"); err != nil {
		t.Fatalf("ClientAdd() error = %v", err)
	}

	c, err := r.ClientGet(ctx, "resource_123")
	if err != nil {
		t.Fatalf("ClientGet() error = %v", err)
	}
	if c == nil {
		t.Fatal("ClientGet() = nil after ClientAdd")
	}
	if c.UserID != "user_123" || c.Realm != "realm_123" || c.MQTTConnection || c.XMPPConnection {
		t.Errorf("ClientGet() = %+v", *c)
	}

	if err := r.ClientSetMQTT(ctx, "resource_123", true); err != nil {
		t.Fatalf("ClientSetMQTT() error = %v", err)
	}
	if c, _ := r.ClientGet(ctx, "resource_123"); !c.MQTTConnection {
		t.Error("MQTTConnection = false after ClientSetMQTT(true)")
	}

	if err := r.ClientSetXMPP(ctx, "resource_123", false); err != nil {
		t.Fatalf("ClientSetXMPP() error = %v", err)
	}
	c, _ = r.ClientGet(ctx, "resource_123")
	if c.XMPPConnection || !c.MQTTConnection {
		t.Errorf("after ClientSetXMPP(false): %+v", *c)
	}

	disconnected, err := r.GetDisconnectedXMPPClients(ctx)
	if err != nil {
		t.Fatalf("GetDisconnectedXMPPClients() error = %v", err)
	}
	if len(disconnected) != 1 {
		t.Errorf("len(GetDisconnectedXMPPClients()) = %d, want 1", len(disconnected))
	}
}

func TestGetDisconnectedXMPPClients_TracksFlag(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	count := func() int {
		t.Helper()
		clients, err := r.GetDisconnectedXMPPClients(ctx)
		if err != nil {
			t.Fatalf("GetDisconnectedXMPPClients() error = %v", err)
		}
		return len(clients)
	}

	r.ClientAdd(ctx, "user_1", "ecouser.net", "res_1") //nolint:errcheck // test setup
	r.ClientSetXMPP(ctx, "res_1", true)                //nolint:errcheck // test setup
	before := count()

	r.ClientAdd(ctx, "user_2", "ecouser.net", "res_2") //nolint:errcheck // test setup
	if got := count(); got != before+1 {
		t.Errorf("count after add = %d, want %d", got, before+1)
	}

	r.ClientSetXMPP(ctx, "res_2", true) //nolint:errcheck // test setup
	if got := count(); got != before {
		t.Errorf("count after connect = %d, want %d", got, before)
	}
}

func TestPruneDisconnectedClients(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	r.ClientAdd(ctx, "user_1", "ecouser.net", "idle")  //nolint:errcheck // test setup
	r.ClientAdd(ctx, "user_1", "ecouser.net", "mqtt")  //nolint:errcheck // test setup
	r.ClientAdd(ctx, "user_1", "ecouser.net", "xmpp")  //nolint:errcheck // test setup
	r.ClientSetMQTT(ctx, "mqtt", true)                 //nolint:errcheck // test setup
	r.ClientSetXMPP(ctx, "xmpp", true)                 //nolint:errcheck // test setup

	removed, err := r.PruneDisconnectedClients(ctx)
	if err != nil {
		t.Fatalf("PruneDisconnectedClients() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	clients, _ := r.Clients(ctx)
	if len(clients) != 2 || clients[0].Resource != "mqtt" || clients[1].Resource != "xmpp" {
		t.Errorf("Clients() = %+v, want mqtt and xmpp", clients)
	}

	if err := r.ClientRemove(ctx, "mqtt"); err != nil {
		t.Fatalf("ClientRemove() error = %v", err)
	}
	if c, _ := r.ClientGet(ctx, "mqtt"); c != nil {
		t.Errorf("ClientGet() after remove = %+v, want nil", c)
	}
}

func TestClientAdd_ReAddKeepsFlags(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := t.Context()

	r.ClientAdd(ctx, "user_1", "ecouser.net", "res_1") //nolint:errcheck // test setup
	r.ClientSetMQTT(ctx, "res_1", true)                //nolint:errcheck // test setup
	r.ClientAdd(ctx, "user_2", "ecouser.net", "res_1") //nolint:errcheck // test setup

	c, _ := r.ClientGet(ctx, "res_1")
	if c.UserID != "user_2" || !c.MQTTConnection {
		t.Errorf("ClientGet() = %+v, want user_2 with mqtt flag kept", *c)
	}
}
