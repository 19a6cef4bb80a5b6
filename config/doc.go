// Copyright 2026 WaveScape Portal Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

// Package config loads the portal configuration.
//
// Values come from defaults, then an optional YAML file, then environment
// variables named WAVESCAPE_<SECTION>_<FIELD>. A .env file, when given, is
// read into the environment first without overriding variables that are
// already set.
package config
