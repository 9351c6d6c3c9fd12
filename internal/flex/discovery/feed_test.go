package discovery

import "testing"

func TestFeedDropsOldest(t *testing.T) {
	feed := newFeed[int]("test", 2)
	sub := feed.Subscribe()

	for i := 1; i <= 4; i++ {
		feed.publish(i)
	}

	got := []int{<-sub.C(), <-sub.C()}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("got %v; want [3 4]", got)
	}
}

func TestFeedCloseEndsSubscriptions(t *testing.T) {
	feed := newFeed[int]("test", 1)
	a := feed.Subscribe()
	b := feed.Subscribe()
	b.Close()
	b.Close()

	feed.close()
	if _, ok := <-a.C(); ok {
		t.Error("subscription still open after feed close")
	}
	if _, ok := <-feed.Subscribe().C(); ok {
		t.Error("subscribing to a closed feed should give a closed channel")
	}
	// publish after close must not panic
	feed.publish(1)
}
