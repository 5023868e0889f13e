package summary_test

import (
	"testing"
	"time"

	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/internal/domain/summary"
	. "github.com/smartystreets/goconvey/convey"
)

func TestGroup(t *testing.T) {
	Convey("Given a mixed change batch", t, func() {
		r := &model.Radar{Stream: 1}
		records := []model.ScoreRecord{
			{ID: "1", UserID: "u2", Radar: r},
			{ID: "2", UserID: "u1", Radar: r},
			{ID: "3", UserID: "0", Radar: r},
			{ID: "4", UserID: "13", Radar: r},
			{ID: "5", UserID: "u1"},
			{ID: "6", UserID: "u2", Radar: r, State: model.Expiring(3600, time.Now())},
			{ID: "7", UserID: "u1", Radar: r},
		}

		groups := summary.Group(records)

		Convey("Then pseudo-users and course records are dropped", func() {
			So(len(groups), ShouldEqual, 2)
			So(summary.Participates(records[2]), ShouldBeFalse)
			So(summary.Participates(records[3]), ShouldBeFalse)
			So(summary.Participates(records[4]), ShouldBeFalse)
			So(summary.Participates(records[0]), ShouldBeTrue)
		})

		Convey("Then groups are ordered by user and keep record order", func() {
			So(groups[0].UserID, ShouldEqual, "u1")
			So(groups[0].Records[0].ID, ShouldEqual, "2")
			So(groups[0].Records[1].ID, ShouldEqual, "7")
			So(groups[1].UserID, ShouldEqual, "u2")
			So(len(groups[1].Records), ShouldEqual, 2)
		})
	})

	Convey("Given an empty batch", t, func() {
		So(summary.Group(nil), ShouldBeEmpty)
	})
}
