package testutil_test

import (
	"context"
	"testing"

	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/testutil"
)

func TestAccountFactory_Build(t *testing.T) {
	rec := testutil.NewAccountFactory().Build()

	if rec.Table != "accounts" {
		t.Errorf("expected table accounts, got %q", rec.Table)
	}
	for _, field := range []string{"name", "email", "balance", "active", "created_at"} {
		if _, ok := rec.Fields[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if _, lazy := rec.Fields["name"].(func() string); lazy {
		t.Error("expected lazy default to be resolved")
	}
	if rec.ID != "" {
		t.Errorf("expected no ID without WithIDs, got %q", rec.ID)
	}
}

func TestRecordFactory_Options(t *testing.T) {
	rec := testutil.NewAccountFactory().Build(
		testutil.WithField("name", "Custom"),
		testutil.WithoutField("email"),
	)

	if rec.Fields["name"] != "Custom" {
		t.Errorf("expected name=Custom, got %v", rec.Fields["name"])
	}
	if _, ok := rec.Fields["email"]; ok {
		t.Error("expected email to be removed")
	}
}

func TestRecordFactory_BuildListWithIDs(t *testing.T) {
	records := testutil.NewAccountFactory().WithIDs().BuildList(5)
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	seen := map[string]bool{}
	for _, r := range records {
		if r.ID == "" || seen[r.ID] {
			t.Errorf("expected unique non-empty IDs, got %q", r.ID)
		}
		seen[r.ID] = true
	}

	refs := testutil.Refs(records)
	if refs[2].ID != records[2].ID || refs[2].Table != "accounts" {
		t.Errorf("unexpected reference %+v", refs[2])
	}
}

func TestRandomGenerators(t *testing.T) {
	if str := testutil.RandomString(10); len(str) != 10 {
		t.Errorf("expected string length 10, got %d", len(str))
	}
	if val := testutil.RandomInt(1, 10); val < 1 || val > 10 {
		t.Errorf("expected value between 1-10, got %d", val)
	}
}

func TestFakeGateway_ScriptThenDefault(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.Script(testutil.FailWith(protocol.TimeoutError("slow", nil)))

	compound := &protocol.Request{Op: protocol.OpBatch, Requests: []*protocol.Request{
		{Op: protocol.OpCreate, Table: "t"},
		{Op: protocol.OpDelete, Table: "t", RecordID: "x"},
	}}

	if _, err := gw.ExecuteBatch(context.Background(), compound); err == nil {
		t.Fatal("expected scripted failure")
	}

	subs, err := gw.ExecuteBatch(context.Background(), compound)
	if err != nil {
		t.Fatalf("expected default success, got %v", err)
	}
	if len(subs) != 2 || subs[0].Faulted() || subs[0].Data["id"] == "" {
		t.Errorf("unexpected sub-responses %+v", subs)
	}
	if gw.CallCount() != 2 || len(gw.Batches()) != 2 {
		t.Errorf("expected 2 recorded calls, got %d", gw.CallCount())
	}
}

func TestFakeGateway_FaultWhere(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.WithDefault(gw.FaultWhere(func(sub *protocol.Request) *protocol.Fault {
		if sub.RecordID == "bad" {
			return testutil.ValidationFault("name")
		}
		return nil
	}))

	subs, err := gw.ExecuteBatch(context.Background(), &protocol.Request{Requests: []*protocol.Request{
		{Op: protocol.OpUpdate, RecordID: "good"},
		{Op: protocol.OpUpdate, RecordID: "bad"},
	}})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if subs[0].Faulted() || !subs[1].Faulted() || subs[1].Fault.Code != protocol.FaultValidation {
		t.Errorf("unexpected sub-responses %+v", subs)
	}
}
