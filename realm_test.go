package rabbit

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRealmSubscribe(t *testing.T) {
	Convey("Given a realm and a subscriber", t, func() {
		realm := NewRealm(testRealm, nil)
		sub, _ := newDetachedSession()
		topic := URI("rabbit.test.topic")

		Convey("Subscribing to a topic", func() {
			id, err := realm.Subscribe(topic, sub)

			Convey("Should return a subscription ID", func() {
				So(err, ShouldBeNil)
				So(id, ShouldNotEqual, 0)
			})

			Convey("Should create the topic", func() {
				tp, err := realm.Topic(topic)
				So(err, ShouldBeNil)
				So(tp.URI, ShouldEqual, topic)
				So(tp.subscribers[id], ShouldEqual, sub)
			})

			Convey("A second subscription should be independent", func() {
				id2, err := realm.Subscribe(topic, sub)
				So(err, ShouldBeNil)
				So(id2, ShouldNotEqual, id)
				tp, _ := realm.Topic(topic)
				So(len(tp.subscribers), ShouldEqual, 2)
			})

			Convey("Unsubscribing by another session should fail", func() {
				other, _ := newDetachedSession()
				So(realm.Unsubscribe(id, other), ShouldEqual, ErrNoSuchSubscription)
			})

			Convey("Unsubscribing should keep the topic", func() {
				So(realm.Unsubscribe(id, sub), ShouldBeNil)
				tp, err := realm.Topic(topic)
				So(err, ShouldBeNil)
				So(len(tp.subscribers), ShouldEqual, 0)
				So(realm.Unsubscribe(id, sub), ShouldEqual, ErrNoSuchSubscription)
			})
		})

		Convey("Subscribing to an invalid URI should fail", func() {
			_, err := realm.Subscribe("bad uri", sub)
			So(err, ShouldEqual, ErrInvalidURI)
		})

		Convey("An unknown topic should not be found", func() {
			_, err := realm.Topic("never.subscribed")
			So(err, ShouldEqual, ErrNoSuchTopic)
		})
	})
}

func TestRealmPublish(t *testing.T) {
	Convey("Given a topic with two subscribers", t, func() {
		realm := NewRealm(testRealm, nil)
		topic := URI("rabbit.test.topic")
		s1, p1 := newDetachedSession()
		s2, p2 := newDetachedSession()
		sub1, _ := realm.Subscribe(topic, s1)
		sub2, _ := realm.Subscribe(topic, s2)
		pubSession, pub := newDetachedSession()

		Convey("Publishing without acknowledge", func() {
			msg := &Publish{Request: 7, Options: map[string]interface{}{}, Topic: topic, Arguments: []interface{}{"hi"}}
			pubID, err := realm.Publish(pubSession, msg)
			So(err, ShouldBeNil)

			Convey("Every subscriber receives one event with the same publication", func() {
				e1, ok := p1.receive().(*Event)
				So(ok, ShouldBeTrue)
				e2, ok := p2.receive().(*Event)
				So(ok, ShouldBeTrue)
				So(e1.Publication, ShouldEqual, pubID)
				So(e2.Publication, ShouldEqual, pubID)
				So(e1.Subscription, ShouldEqual, sub1)
				So(e2.Subscription, ShouldEqual, sub2)
				So(e1.Arguments, ShouldResemble, []interface{}{"hi"})
			})

			Convey("The publisher receives nothing", func() {
				So(pub.quiet(), ShouldBeTrue)
			})
		})

		Convey("Publishing with acknowledge", func() {
			msg := &Publish{Request: 7, Options: map[string]interface{}{"acknowledge": true}, Topic: topic}
			pubID, err := realm.Publish(pubSession, msg)
			So(err, ShouldBeNil)

			published, ok := pub.receive().(*Published)
			So(ok, ShouldBeTrue)
			So(published.Request, ShouldEqual, ID(7))
			So(published.Publication, ShouldEqual, pubID)
		})

		Convey("Publishing with exclude_me skips the publisher's own subscription", func() {
			msg := &Publish{Request: 8, Options: map[string]interface{}{"exclude_me": true}, Topic: topic}
			_, err := realm.Publish(s1, msg)
			So(err, ShouldBeNil)
			So(p1.quiet(), ShouldBeTrue)
			_, ok := p2.receive().(*Event)
			So(ok, ShouldBeTrue)
		})

		Convey("Publishing to an unknown topic fails", func() {
			msg := &Publish{Request: 9, Topic: "nobody.listens"}
			_, err := realm.Publish(pubSession, msg)
			So(err, ShouldEqual, ErrNoSuchTopic)
		})
	})
}

func TestRealmRegister(t *testing.T) {
	Convey("Given a realm and a callee", t, func() {
		realm := NewRealm(testRealm, nil)
		callee, _ := newDetachedSession()
		proc := URI("rabbit.test.endpoint")

		id, err := realm.Register(proc, callee)
		So(err, ShouldBeNil)
		So(id, ShouldNotEqual, 0)

		Convey("The procedure can be looked up", func() {
			p, err := realm.Procedure(proc)
			So(err, ShouldBeNil)
			So(p.ID, ShouldEqual, id)
			So(p.Callee, ShouldEqual, callee)
		})

		Convey("The same procedure cannot be registered more than once", func() {
			_, err := realm.Register(proc, callee)
			So(err, ShouldEqual, ErrProcedureAlreadyExists)
		})

		Convey("Only the owner can unregister", func() {
			other, _ := newDetachedSession()
			So(realm.Unregister(id, other), ShouldEqual, ErrNoSuchRegistration)
			So(realm.Unregister(id, callee), ShouldBeNil)
			_, err := realm.Procedure(proc)
			So(err, ShouldEqual, ErrNoSuchProcedure)
		})

		Convey("Invalid procedure URIs are rejected", func() {
			_, err := realm.Register("a..b", callee)
			So(err, ShouldEqual, ErrInvalidURI)
		})
	})
}

func TestRealmInvocation(t *testing.T) {
	Convey("Given a registered procedure and a caller", t, func() {
		realm := NewRealm(testRealm, nil)
		callee, _ := newDetachedSession()
		caller, _ := newDetachedSession()
		realm.Register("rabbit.test.endpoint", callee)
		p, _ := realm.Procedure("rabbit.test.endpoint")

		id, err := realm.Invoke(p, 42, caller)
		So(err, ShouldBeNil)

		Convey("Yield returns the caller's request", func() {
			inv, err := realm.Yield(id)
			So(err, ShouldBeNil)
			So(inv.Caller, ShouldEqual, caller)
			So(inv.Callee, ShouldEqual, callee)
			So(inv.Request, ShouldEqual, ID(42))

			Convey("A second yield fails", func() {
				_, err := realm.Yield(id)
				So(err, ShouldEqual, ErrNoSuchInvocation)
			})
		})

		Convey("Concurrent invocations get distinct IDs", func() {
			id2, err := realm.Invoke(p, 43, caller)
			So(err, ShouldBeNil)
			So(id2, ShouldNotEqual, id)
		})

		Convey("Invoking after the callee left fails", func() {
			realm.Cleanup(callee).RemoveSession(callee)
			before := len(realm.invocations)

			_, err := realm.Invoke(p, 44, caller)
			So(err, ShouldEqual, ErrNoSuchProcedure)
			So(len(realm.invocations), ShouldEqual, before)
		})

		Convey("Invoking after unregistering fails", func() {
			So(realm.Unregister(p.ID, callee), ShouldBeNil)
			_, err := realm.Invoke(p, 45, caller)
			So(err, ShouldEqual, ErrNoSuchProcedure)
		})

		Convey("A stale procedure does not reach a new registration", func() {
			So(realm.Unregister(p.ID, callee), ShouldBeNil)
			_, err := realm.Register("rabbit.test.endpoint", caller)
			So(err, ShouldBeNil)
			_, err = realm.Invoke(p, 46, caller)
			So(err, ShouldEqual, ErrNoSuchProcedure)
		})
	})
}

func TestRealmCleanup(t *testing.T) {
	Convey("Given a session with subscriptions, registrations and invocations", t, func() {
		realm := NewRealm(testRealm, nil)
		s, _ := newDetachedSession()
		caller, callerPeer := newDetachedSession()
		callee, _ := newDetachedSession()
		realm.AddSession(s)

		subID, _ := realm.Subscribe("com.topic", s)
		realm.Register("com.proc", s)
		realm.Register("com.other", callee)
		mine, _ := realm.Procedure("com.proc")
		theirs, _ := realm.Procedure("com.other")
		asCallee, _ := realm.Invoke(mine, 11, caller)
		asCaller, _ := realm.Invoke(theirs, 12, s)

		realm.Cleanup(s).RemoveSession(s)

		Convey("Its subscriptions are gone but the topic stays", func() {
			So(realm.Unsubscribe(subID, s), ShouldEqual, ErrNoSuchSubscription)
			tp, err := realm.Topic("com.topic")
			So(err, ShouldBeNil)
			So(len(tp.subscribers), ShouldEqual, 0)
		})

		Convey("Its registrations are gone", func() {
			_, err := realm.Procedure("com.proc")
			So(err, ShouldEqual, ErrNoSuchProcedure)
			_, err = realm.Procedure("com.other")
			So(err, ShouldBeNil)
		})

		Convey("Invocations it was serving are canceled for the caller", func() {
			_, err := realm.Yield(asCallee)
			So(err, ShouldEqual, ErrNoSuchInvocation)
			e, ok := callerPeer.receive().(*Error)
			So(ok, ShouldBeTrue)
			So(e.Type, ShouldEqual, CALL)
			So(e.Request, ShouldEqual, ID(11))
			So(e.Error, ShouldEqual, ReasonCanceled)
		})

		Convey("Invocations it was waiting on are discarded", func() {
			_, err := realm.Yield(asCaller)
			So(err, ShouldEqual, ErrNoSuchInvocation)
		})

		Convey("It is no longer a member", func() {
			So(len(realm.Sessions()), ShouldEqual, 0)
		})
	})
}

func TestValidURI(t *testing.T) {
	Convey("URI validation", t, func() {
		for _, uri := range []URI{"a", "com.example.topic", "wamp.error.no_such_realm", "a-b.c_d"} {
			So(validURI(uri), ShouldBeTrue)
		}
		for _, uri := range []URI{"", ".a", "a.", "a..b", "a b", "a.#", "a.\tb"} {
			So(validURI(uri), ShouldBeFalse)
		}
	})
}
