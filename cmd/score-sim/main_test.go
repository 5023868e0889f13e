package main

import (
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

func TestRootCommand(t *testing.T) {
	convey.Convey("Given the score-sim root command", t, func() {
		cmd := newRootCommand()

		convey.Convey("Then it exposes the run command with its flags", func() {
			run, _, err := cmd.Find([]string{"run"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(run.Name(), convey.ShouldEqual, "run")
			for _, name := range []string{"url", "catalog", "users", "submissions", "rate", "workers", "seed", "settle"} {
				convey.So(run.Flags().Lookup(name), convey.ShouldNotBeNil)
			}
		})

		convey.Convey("When run is invoked without a catalog", func() {
			cmd.SetArgs([]string{"run"})
			err := cmd.Execute()

			convey.Convey("Then the required flag is reported", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "catalog")
			})
		})

		convey.Convey("When the catalog file does not exist", func() {
			cmd.SetArgs([]string{"run", "--catalog", "/non/existent/charts.yaml"})
			convey.So(cmd.Execute(), convey.ShouldNotBeNil)
		})
	})
}
