package chart_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCatalog(t *testing.T) {
	Convey("Given a catalog with standalone and course charts", t, func() {
		ctx := context.Background()
		cat, err := chart.NewCatalog(
			chart.Chart{SongID: "s1", PlayStyle: 1, Difficulty: 2, Level: 10, Radar: &model.Radar{Stream: 50}},
			chart.Chart{SongID: "s2", PlayStyle: 1, Difficulty: 3, Level: 10, Radar: &model.Radar{Voltage: 40}},
			chart.Chart{SongID: "s3", PlayStyle: 2, Difficulty: 3, Level: 12, Radar: &model.Radar{}},
			chart.Chart{SongID: "course-1", PlayStyle: 1, Difficulty: 2, Level: 10},
		)
		So(err, ShouldBeNil)

		Convey("When resolving a known chart", func() {
			ch, err := cat.Resolve(ctx, model.ChartKey{SongID: "s1", PlayStyle: 1, Difficulty: 2})

			Convey("Then its metadata is returned", func() {
				So(err, ShouldBeNil)
				So(ch.Level, ShouldEqual, 10)
				So(ch.IsCourse(), ShouldBeFalse)
			})
		})

		Convey("When resolving an unknown chart", func() {
			_, err := cat.Resolve(ctx, model.ChartKey{SongID: "nope", PlayStyle: 1, Difficulty: 0})

			Convey("Then ErrUnknownChart is returned", func() {
				So(errors.Is(err, chart.ErrUnknownChart), ShouldBeTrue)
			})
		})

		Convey("When counting totals", func() {
			totals := cat.Totals(ctx)

			Convey("Then course charts are excluded", func() {
				So(totals[chart.LevelKey{PlayStyle: 1, Level: 10}], ShouldEqual, 2)
				So(totals[chart.LevelKey{PlayStyle: 2, Level: 12}], ShouldEqual, 1)
				So(len(totals), ShouldEqual, 2)
			})
		})

		Convey("When a chart is added", func() {
			So(cat.Add(chart.Chart{SongID: "s4", PlayStyle: 2, Difficulty: 1, Level: 12, Radar: &model.Radar{Air: 5}}), ShouldBeNil)

			Convey("Then it resolves and counts toward its level", func() {
				ch, err := cat.Resolve(ctx, model.ChartKey{SongID: "s4", PlayStyle: 2, Difficulty: 1})
				So(err, ShouldBeNil)
				So(ch.Radar.Air, ShouldEqual, 5)
				So(cat.Len(), ShouldEqual, 5)
				So(cat.Totals(ctx)[chart.LevelKey{PlayStyle: 2, Level: 12}], ShouldEqual, 2)
			})
		})

		Convey("When an invalid chart is added", func() {
			err := cat.Add(chart.Chart{SongID: "s5", PlayStyle: 1, Difficulty: 9, Level: 3})

			Convey("Then it is rejected and the catalog is unchanged", func() {
				So(errors.Is(err, chart.ErrInvalidChart), ShouldBeTrue)
				So(cat.Len(), ShouldEqual, 4)
			})
		})

		Convey("When listing charts", func() {
			charts := cat.Charts()
			So(len(charts), ShouldEqual, 4)
			So(charts[0].SongID, ShouldEqual, "course-1")
		})
	})

	Convey("Given an invalid chart", t, func() {
		_, err := chart.NewCatalog(chart.Chart{SongID: "s1", PlayStyle: 3, Difficulty: 0, Level: 1})
		So(errors.Is(err, chart.ErrInvalidChart), ShouldBeTrue)
	})

	Convey("Given a chart with a negative radar stat", t, func() {
		_, err := chart.NewCatalog(chart.Chart{SongID: "s1", PlayStyle: 1, Difficulty: 2, Level: 10, Radar: &model.Radar{Stream: 50, Chaos: -1}})
		So(errors.Is(err, chart.ErrInvalidChart), ShouldBeTrue)

		cat, err := chart.NewCatalog()
		So(err, ShouldBeNil)
		So(errors.Is(cat.Add(chart.Chart{SongID: "s2", PlayStyle: 1, Difficulty: 2, Level: 10, Radar: &model.Radar{Air: -3}}), chart.ErrInvalidChart), ShouldBeTrue)
	})
}

func TestLoadFile(t *testing.T) {
	Convey("Given a YAML chart catalog", t, func() {
		content := `
charts:
  - song_id: "s1"
    song_name: "Song One"
    play_style: 1
    difficulty: 2
    level: 10
    radar:
      stream: 50
      voltage: 40
      air: 30
      freeze: 20
      chaos: 10
  - song_id: "course-1"
    play_style: 1
    difficulty: 2
    level: 14
`
		f, err := os.CreateTemp("", "charts-*.yaml")
		So(err, ShouldBeNil)
		_, _ = f.WriteString(content)
		_ = f.Close()
		defer func() { _ = os.Remove(f.Name()) }()

		cat, err := chart.LoadFile(context.Background(), f.Name())

		Convey("Then every chart is loaded", func() {
			So(err, ShouldBeNil)
			So(cat.Len(), ShouldEqual, 2)

			ch, err := cat.Resolve(context.Background(), model.ChartKey{SongID: "s1", PlayStyle: 1, Difficulty: 2})
			So(err, ShouldBeNil)
			So(ch.SongName, ShouldEqual, "Song One")
			So(ch.Radar, ShouldNotBeNil)
			So(ch.Radar.Chaos, ShouldEqual, 10)

			course, err := cat.Resolve(context.Background(), model.ChartKey{SongID: "course-1", PlayStyle: 1, Difficulty: 2})
			So(err, ShouldBeNil)
			So(course.IsCourse(), ShouldBeTrue)
		})
	})

	Convey("Given a missing file", t, func() {
		_, err := chart.LoadFile(context.Background(), "/non/existent/charts.yaml")
		So(err, ShouldNotBeNil)
	})
}
