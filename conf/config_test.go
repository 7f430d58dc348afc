/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package conf

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

const testConfig = `
ListenAddr: "127.0.0.1:15432"
LogLevel: debug
Backend:
  Host: "127.0.0.1"
  Port: 25432
  User: proxy
  Password: secret
  Database: app
Users:
  alice: wonderland
AllowedFunctions:
  - my_udf
AllowedSettings:
  - timezone
CommitCadence: 5s
Security:
  Enabled: true
  MaxQueriesPerWindow: 500
  QueryWindow: 30s
  AllowList:
    - 192.0.2.1
`

func TestLoadConfig(t *testing.T) {
	Convey("Given a config file", t, func() {
		dir, err := ioutil.TempDir("", "vrds-conf-test")
		So(err, ShouldBeNil)
		defer func() {
			_ = os.RemoveAll(dir)
		}()
		path := filepath.Join(dir, "config.yaml")
		So(ioutil.WriteFile(path, []byte(testConfig), 0644), ShouldBeNil)

		config, err := LoadConfig(path)
		So(err, ShouldBeNil)
		So(config.ListenAddr, ShouldEqual, "127.0.0.1:15432")
		So(config.Backend.Port, ShouldEqual, 25432)
		So(config.Users["alice"], ShouldEqual, "wonderland")
		So(config.AllowedFunctions, ShouldResemble, []string{"my_udf"})
		So(config.Security.Enabled, ShouldBeTrue)
		So(config.Security.MaxQueriesPerWindow, ShouldEqual, 500)
		So(config.Security.QueryWindow.Duration, ShouldEqual, 30*time.Second)
		So(config.Security.AllowList, ShouldResemble, []string{"192.0.2.1"})

		Convey("defaults are filled in", func() {
			So(config.MaxFrameSize, ShouldEqual, uint32(16<<20))
			So(config.Backend.PoolSize, ShouldEqual, 8)
			So(config.BlockStoreDir, ShouldNotBeEmpty)
		})

		Convey("missing files are reported", func() {
			_, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestRuleFingerprint(t *testing.T) {
	Convey("The fingerprint pins the determinism-affecting values", t, func() {
		a := &Config{AllowedFunctions: []string{"f", "g"}}
		b := &Config{AllowedFunctions: []string{"g", "f"}}
		c := &Config{AllowedFunctions: []string{"f"}}

		fa, fb, fc := a.RuleFingerprint(), b.RuleFingerprint(), c.RuleFingerprint()
		So(fa.IsEqual(&fb), ShouldBeTrue) // order-insensitive
		So(fa.IsEqual(&fc), ShouldBeFalse)
	})
}
