// Copyright 2025 The ilpd Authors
// This file is part of ilpd.
//
// ilpd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ilpd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with ilpd. If not, see <http://www.gnu.org/licenses/>.

package main

// version is overridden at link time by the release build.
var version = "0.1.0-unstable"
