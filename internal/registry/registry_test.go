package registry

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"gridkeep/internal/apierr"
	"gridkeep/internal/store"
)

func nullLoggers() (*log.Logger, *log.Logger) {
	w := log.New(io.Discard, "", 0)
	return w, w
}

func TestOpenBuildsOneStorePerZone(t *testing.T) {
	info, errl := nullLoggers()
	reg, err := Open(context.Background(), []int{0, 1, 2}, info, errl, func(zone int) store.Config {
		return store.Config{
			Zone: zone, DBDir: ":memory:", DriverName: "sqlite",
			PoolSize: 1, FlushInterval: time.Hour, MaxQueueRows: 100, LRUCacheSize: 64,
		}
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reg.Close(context.Background())

	zones := reg.Zones()
	if len(zones) != 3 {
		t.Fatalf("expected 3 zones, got %d", len(zones))
	}
	for _, z := range []int{0, 1, 2} {
		if _, err := reg.Get(z); err != nil {
			t.Fatalf("get zone %d: %v", z, err)
		}
	}
}

func TestGetUnknownZoneIsInvalidZone(t *testing.T) {
	info, errl := nullLoggers()
	reg, err := Open(context.Background(), []int{0}, info, errl, func(zone int) store.Config {
		return store.Config{
			Zone: zone, DBDir: ":memory:", DriverName: "sqlite",
			PoolSize: 1, FlushInterval: time.Hour, MaxQueueRows: 100, LRUCacheSize: 64,
		}
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reg.Close(context.Background())

	_, err = reg.Get(99)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.InvalidZone {
		t.Fatalf("expected InvalidZone error, got %v", err)
	}
}

func TestOpenRollsBackOnPartialFailure(t *testing.T) {
	info, errl := nullLoggers()
	_, err := Open(context.Background(), []int{0, 1}, info, errl, func(zone int) store.Config {
		driver := "sqlite"
		if zone == 1 {
			driver = "not-a-real-driver"
		}
		return store.Config{
			Zone: zone, DBDir: ":memory:", DriverName: driver,
			PoolSize: 1, FlushInterval: time.Hour, MaxQueueRows: 100, LRUCacheSize: 64,
		}
	})
	if err == nil {
		t.Fatal("expected an error when one zone's driver is invalid")
	}
}
